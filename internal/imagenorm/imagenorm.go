// Package imagenorm validates and repairs receipt image payloads before they
// are handed to an OCR provider.
package imagenorm

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// Supported MIME types.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWEBP = "image/webp"
)

// Options holds the plausibility thresholds.
type Options struct {
	MinEncodedChars int
	MinDecodedBytes int
	MaxDecodedBytes int
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		MinEncodedChars: 100,
		MinDecodedBytes: 50,
		MaxDecodedBytes: 10 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinEncodedChars <= 0 {
		o.MinEncodedChars = d.MinEncodedChars
	}
	if o.MinDecodedBytes <= 0 {
		o.MinDecodedBytes = d.MinDecodedBytes
	}
	if o.MaxDecodedBytes <= 0 {
		o.MaxDecodedBytes = d.MaxDecodedBytes
	}
	return o
}

// Image is a validated payload ready for the OCR client.
type Image struct {
	// MIMEType is the type sent to the provider. Always one of the supported types.
	MIMEType string
	// DeclaredMIME is the type named by the data URI or caller, if any.
	DeclaredMIME string
	// SniffedMIME is the type detected from the decoded bytes, empty if unknown.
	SniffedMIME string
	// Base64 is the cleaned standard-alphabet encoding of Data.
	Base64 string
	Data   []byte
}

// Extension returns a file extension for the image's MIME type.
func (img *Image) Extension() string {
	switch img.MIMEType {
	case MIMEPNG:
		return "png"
	case MIMEWEBP:
		return "webp"
	default:
		return "jpg"
	}
}

// Normalize accepts a bare base64 string or a data URI
// (data:<mime>;base64,<payload>) and returns the validated image.
// Every rejection is a *domain.ImageError.
func Normalize(input string, opts Options) (*Image, error) {
	opts = opts.withDefaults()

	declared, payload := splitDataURI(strings.TrimSpace(input))
	cleaned := cleanBase64(payload)

	if cleaned == "" {
		return nil, &domain.ImageError{Reason: "empty payload"}
	}
	if len(cleaned) < opts.MinEncodedChars {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("payload too short: %d encoded chars, need at least %d", len(cleaned), opts.MinEncodedChars)}
	}
	if len(cleaned)%4 != 0 {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("payload length %d is not a multiple of 4", len(cleaned))}
	}
	if base64.StdEncoding.DecodedLen(len(cleaned)) > opts.MaxDecodedBytes+2 {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("payload exceeds %d bytes", opts.MaxDecodedBytes)}
	}

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("invalid base64: %v", err)}
	}

	return finish(data, cleaned, declared, opts)
}

// NormalizeBytes validates raw image bytes with an optional declared MIME type.
func NormalizeBytes(raw []byte, mimeType string, opts Options) (*Image, error) {
	opts = opts.withDefaults()
	if len(raw) == 0 {
		return nil, &domain.ImageError{Reason: "empty payload"}
	}
	return finish(raw, base64.StdEncoding.EncodeToString(raw), strings.ToLower(strings.TrimSpace(mimeType)), opts)
}

func finish(data []byte, encoded, declared string, opts Options) (*Image, error) {
	if len(data) < opts.MinDecodedBytes {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("decoded image too small: %d bytes, need at least %d", len(data), opts.MinDecodedBytes)}
	}
	if len(data) > opts.MaxDecodedBytes {
		return nil, &domain.ImageError{Reason: fmt.Sprintf("decoded image too large: %d bytes, limit %d", len(data), opts.MaxDecodedBytes)}
	}

	sniffed := sniff(data)
	return &Image{
		MIMEType:     resolveMIME(declared, sniffed),
		DeclaredMIME: declared,
		SniffedMIME:  sniffed,
		Base64:       encoded,
		Data:         data,
	}, nil
}

// splitDataURI separates "data:<mime>;base64," from the payload. The MIME
// type is lowercased; it is empty when the input is not a data URI.
func splitDataURI(s string) (string, string) {
	if !strings.HasPrefix(strings.ToLower(s), "data:") {
		return "", s
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", s[len("data:"):]
	}
	header := strings.ToLower(s[len("data:"):comma])
	mime, _, _ := strings.Cut(header, ";")
	return strings.TrimSpace(mime), s[comma+1:]
}

// cleanBase64 drops everything outside the standard alphabet after mapping
// the URL-safe alphabet onto it.
func cleanBase64(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
			b.WriteByte(c)
		case c == '-':
			b.WriteByte('+')
		case c == '_':
			b.WriteByte('/')
		}
	}
	return b.String()
}

func canonicalMIME(m string) string {
	switch m {
	case MIMEJPEG, "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case MIMEPNG:
		return MIMEPNG
	case MIMEWEBP:
		return MIMEWEBP
	default:
		return ""
	}
}

// resolveMIME prefers a supported declared type. Without a declaration the
// sniffed type is used; anything else becomes JPEG.
func resolveMIME(declared, sniffed string) string {
	if m := canonicalMIME(declared); m != "" {
		return m
	}
	if declared == "" {
		if m := canonicalMIME(sniffed); m != "" {
			return m
		}
	}
	return MIMEJPEG
}

func sniff(data []byte) string {
	return canonicalMIME(http.DetectContentType(data))
}
