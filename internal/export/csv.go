// Package export writes the ledger and receipt records as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// TransactionRow is one CSV line of the ledger export.
type TransactionRow struct {
	ID              string `csv:"id" json:"id"`
	Date            string `csv:"date" json:"date"`
	Amount          string `csv:"amount" json:"amount"`
	Kind            string `csv:"kind" json:"kind"`
	Category        string `csv:"category" json:"category"`
	Merchant        string `csv:"merchant" json:"merchant"`
	Note            string `csv:"note" json:"note"`
	Location        string `csv:"location" json:"location"`
	Items           int    `csv:"items" json:"items"`
	Tags            string `csv:"tags" json:"tags"`
	SourceReceiptID string `csv:"source_receipt_id" json:"source_receipt_id"`
	SyncState       string `csv:"sync_state" json:"sync_state"`
	RemoteID        string `csv:"remote_id" json:"remote_id"`
}

// ReceiptRow is one CSV line of the receipt export.
type ReceiptRow struct {
	ReceiptID   string  `csv:"receipt_id" json:"receipt_id"`
	Date        string  `csv:"date" json:"date"`
	Total       string  `csv:"total_amount" json:"total_amount"`
	Merchant    string  `csv:"merchant" json:"merchant"`
	Location    string  `csv:"location" json:"location"`
	Confidence  float64 `csv:"confidence" json:"confidence"`
	Items       int     `csv:"items" json:"items"`
	NeedsReview bool    `csv:"needs_review" json:"needs_review"`
	Processed   bool    `csv:"processed" json:"processed"`
	SyncState   string  `csv:"sync_state" json:"sync_state"`
}

// Options controls the CSV dialect.
type Options struct {
	// Delimiter defaults to ','.
	Delimiter rune
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func kind(t *domain.TransactionRecord) string {
	if t.Amount.IsNegative() {
		return string(domain.CategoryKindIncome)
	}
	return string(domain.CategoryKindExpense)
}

// TransactionRows converts ledger entries to export rows. Amounts keep two
// decimal places.
func TransactionRows(txns []*domain.TransactionRecord) []*TransactionRow {
	rows := make([]*TransactionRow, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, &TransactionRow{
			ID:              t.ID,
			Date:            t.Date.String(),
			Amount:          t.Amount.StringFixed(2),
			Kind:            kind(t),
			Category:        t.Category,
			Merchant:        t.MerchantName,
			Note:            t.Note,
			Location:        deref(t.Location),
			Items:           len(t.LineItems),
			Tags:            strings.Join(t.Tags, ";"),
			SourceReceiptID: deref(t.SourceReceiptID),
			SyncState:       string(t.SyncState),
			RemoteID:        deref(t.RemoteID),
		})
	}
	return rows
}

// ReceiptRows converts receipt records to export rows.
func ReceiptRows(recs []*domain.ReceiptRecord) []*ReceiptRow {
	rows := make([]*ReceiptRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, &ReceiptRow{
			ReceiptID:   r.ReceiptID,
			Date:        r.Date.String(),
			Total:       r.TotalAmount.StringFixed(2),
			Merchant:    r.MerchantName,
			Location:    deref(r.Location),
			Confidence:  r.Confidence,
			Items:       len(r.LineItems),
			NeedsReview: r.NeedsReview,
			Processed:   r.Processed,
			SyncState:   string(r.SyncState),
		})
	}
	return rows
}

// WriteTransactions writes the ledger with a header line.
func WriteTransactions(w io.Writer, txns []*domain.TransactionRecord, opts Options) error {
	if err := marshal(w, TransactionRows(txns), opts); err != nil {
		return fmt.Errorf("WriteTransactions: %w", err)
	}
	return nil
}

// WriteReceipts writes receipt records with a header line.
func WriteReceipts(w io.Writer, recs []*domain.ReceiptRecord, opts Options) error {
	if err := marshal(w, ReceiptRows(recs), opts); err != nil {
		return fmt.Errorf("WriteReceipts: %w", err)
	}
	return nil
}

func marshal(w io.Writer, rows interface{}, opts Options) error {
	cw := csv.NewWriter(w)
	if opts.Delimiter != 0 {
		cw.Comma = opts.Delimiter
	}
	if err := gocsv.MarshalCSV(rows, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return fmt.Errorf("error writing CSV data: %w", err)
	}
	return nil
}
