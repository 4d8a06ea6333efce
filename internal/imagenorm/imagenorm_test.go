package imagenorm

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

func fakePNG(size int) []byte {
	header := []byte("\x89PNG\r\n\x1a\n")
	return append(header, bytes.Repeat([]byte{0x42}, size-len(header))...)
}

func fakeJPEG(size int) []byte {
	header := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	return append(header, bytes.Repeat([]byte{0x11}, size-len(header))...)
}

func TestNormalize_TooShortPayload(t *testing.T) {
	// 40 encoded characters.
	payload := strings.Repeat("QUJD", 10)

	img, err := Normalize(payload, DefaultOptions())
	assert.Nil(t, img)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedImage)
}

func TestNormalize_Rejections(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(fakeJPEG(120))

	tests := []struct {
		name  string
		input string
		opts  Options
	}{
		{name: "empty", input: ""},
		{name: "only whitespace", input: "  \n\t "},
		{name: "data uri without payload", input: "data:image/png;base64,"},
		{name: "not multiple of four", input: valid + "A"},
		{name: "decodes too small", input: base64.StdEncoding.EncodeToString(fakeJPEG(30)), opts: Options{MinEncodedChars: 8}},
		{name: "too large", input: valid, opts: Options{MaxDecodedBytes: 64}},
		{name: "bad padding", input: "==" + valid[2:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.input, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedImage)
		})
	}
}

func TestNormalize_DataURI(t *testing.T) {
	data := fakePNG(120)
	input := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)

	img, err := Normalize(input, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, MIMEPNG, img.MIMEType)
	assert.Equal(t, MIMEPNG, img.DeclaredMIME)
	assert.Equal(t, MIMEPNG, img.SniffedMIME)
	assert.Equal(t, data, img.Data)
	assert.Equal(t, "png", img.Extension())
}

func TestNormalize_RepairsWhitespaceAndURLAlphabet(t *testing.T) {
	data := fakeJPEG(150)
	encoded := base64.URLEncoding.EncodeToString(data)

	var broken strings.Builder
	for i, c := range encoded {
		broken.WriteRune(c)
		if i%20 == 19 {
			broken.WriteString("\r\n ")
		}
	}

	img, err := Normalize(broken.String(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, data, img.Data)
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), img.Base64)
}

func TestNormalize_MIMEResolution(t *testing.T) {
	png := base64.StdEncoding.EncodeToString(fakePNG(120))
	opaque := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 120))

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "undeclared sniffed png", input: png, want: MIMEPNG},
		{name: "undeclared unknown bytes", input: opaque, want: MIMEJPEG},
		{name: "declared gif coerced", input: "data:image/gif;base64," + png, want: MIMEJPEG},
		{name: "declared jpg alias", input: "data:image/jpg;base64," + opaque, want: MIMEJPEG},
		{name: "declared webp kept", input: "DATA:IMAGE/WEBP;base64," + opaque, want: MIMEWEBP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Normalize(tt.input, DefaultOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, img.MIMEType)
		})
	}
}

func TestNormalizeBytes(t *testing.T) {
	img, err := NormalizeBytes(fakePNG(80), "", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, MIMEPNG, img.MIMEType)
	assert.NotEmpty(t, img.Base64)

	_, err = NormalizeBytes(fakePNG(20), "image/png", DefaultOptions())
	assert.ErrorIs(t, err, domain.ErrMalformedImage)

	_, err = NormalizeBytes(nil, "", DefaultOptions())
	assert.ErrorIs(t, err, domain.ErrMalformedImage)
}
