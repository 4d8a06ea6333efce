// Package sanitize turns untrusted OCR model output into a valid
// domain.ReceiptRecord. It never fails: unusable input yields a
// deterministic fallback record.
package sanitize

import (
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

const (
	// DefaultConfidence is assumed when the provider reports none.
	DefaultConfidence = 0.5

	maxReceiptIDLen = 128
)

// Result is the tagged outcome of sanitization: either an Ok record parsed
// from provider text, or a Fallback record with the Reason it was produced.
type Result struct {
	Record   *domain.ReceiptRecord
	Fallback bool
	Reason   error
}

// Sanitizer is safe for concurrent use.
type Sanitizer struct {
	// Now supplies the ingestion time. Defaults to time.Now.
	Now func() time.Time
	// LowConfidence marks records below this confidence as NeedsReview.
	LowConfidence float64
	// MinConfidence replaces records below this confidence with a fallback.
	MinConfidence float64
}

// New returns a Sanitizer with the given review and fallback thresholds.
func New(lowConfidence, minConfidence float64) *Sanitizer {
	return &Sanitizer{Now: time.Now, LowConfidence: lowConfidence, MinConfidence: minConfidence}
}

func (s *Sanitizer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Fallback builds the placeholder record used when extraction cannot be trusted.
func (s *Sanitizer) Fallback(reason error) Result {
	now := s.now()
	return Result{
		Record: &domain.ReceiptRecord{
			ReceiptID:    domain.FallbackReceiptIDPrefix + strconv.FormatInt(now.UnixNano(), 10),
			TotalAmount:  decimal.Zero,
			MerchantName: domain.DefaultMerchantName,
			Date:         civil.DateOf(now),
			Confidence:   domain.FallbackConfidence,
			LineItems:    []domain.LineItem{domain.SyntheticLineItem(decimal.Zero)},
			NeedsReview:  true,
			SyncState:    domain.SyncStateUnsynced,
		},
		Fallback: true,
		Reason:   reason,
	}
}

// Sanitize parses raw provider text. Each field is coerced on its own; a bad
// field never discards the others.
func (s *Sanitizer) Sanitize(raw string) Result {
	obj, ok := parseModelJSON(raw)
	if !ok {
		return s.Fallback(fmt.Errorf("%w: response is not a JSON object", domain.ErrParseFailure))
	}

	now := s.now()
	items := parseItems(obj)

	totalRaw, hasTotal := lookup(obj, "total_amount", "total")
	if !hasTotal && len(items) == 0 {
		return s.Fallback(fmt.Errorf("%w: missing total_amount and items", domain.ErrParseFailure))
	}

	var total decimal.Decimal
	switch {
	case hasTotal:
		if d, ok := getDecimal(totalRaw); ok {
			total = d.Abs()
		}
	default:
		for _, li := range items {
			total = total.Add(li.Total())
		}
	}

	merchant := domain.DefaultMerchantName
	if v, ok := lookup(obj, "merchant_name", "merchant"); ok {
		if m, ok := getString(v); ok {
			merchant = m
		}
	}

	date := civil.DateOf(now)
	if v, ok := lookup(obj, "date"); ok {
		if d, ok := getDate(v); ok {
			date = d
		}
	}

	var location *string
	if v, ok := lookup(obj, "location", "address"); ok {
		if l, ok := getString(v); ok {
			location = &l
		}
	}

	confidence := DefaultConfidence
	if v, ok := lookup(obj, "confidence"); ok {
		if f, ok := getFloat(v); ok {
			confidence = clamp01(f)
		}
	}
	if confidence < s.MinConfidence {
		return s.Fallback(fmt.Errorf("%w: confidence %.2f is below %.2f", domain.ErrParseFailure, confidence, s.MinConfidence))
	}

	receiptID := domain.GeneratedReceiptIDPrefix + strconv.FormatInt(now.UnixNano(), 10)
	if v, ok := lookup(obj, "receipt_id", "receipt_number", "invoice_number"); ok {
		if id, ok := getString(v); ok {
			receiptID = truncate(id, maxReceiptIDLen)
		}
	}

	if len(items) == 0 {
		items = []domain.LineItem{domain.SyntheticLineItem(total)}
	}

	rec := &domain.ReceiptRecord{
		ReceiptID:    receiptID,
		TotalAmount:  total,
		MerchantName: merchant,
		Date:         date,
		Location:     location,
		Confidence:   confidence,
		LineItems:    items,
		NeedsReview:  confidence < s.LowConfidence,
		SyncState:    domain.SyncStateUnsynced,
	}
	if err := rec.Validate(); err != nil {
		return s.Fallback(fmt.Errorf("%w: %v", domain.ErrParseFailure, err))
	}
	return Result{Record: rec}
}

func parseItems(obj map[string]interface{}) []domain.LineItem {
	v, ok := lookup(obj, "items", "line_items")
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}

	items := make([]domain.LineItem, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]interface{})
		if !ok {
			continue
		}

		li := domain.LineItem{
			Name:     fmt.Sprintf("Item %d", i+1),
			Quantity: 1,
			Category: domain.DefaultItemCategory,
		}
		if v, ok := lookup(m, "name", "description"); ok {
			if name, ok := getString(v); ok {
				li.Name = name
			}
		}
		if v, ok := lookup(m, "price", "unit_price", "amount"); ok {
			if d, ok := getDecimal(v); ok && d.IsPositive() {
				li.UnitPrice = d
			}
		}
		if v, ok := lookup(m, "quantity", "qty"); ok {
			if q, ok := getFloat(v); ok && q >= 1 && q < math.MaxInt32 {
				li.Quantity = int(math.Round(q))
			}
		}
		if v, ok := lookup(m, "category"); ok {
			if c, ok := getString(v); ok {
				li.Category = c
			}
		}
		items = append(items, li)
	}
	return items
}

// truncate cuts s to at most n bytes without splitting a character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
