// Package materializer converts stored receipt records into ledger
// transactions, at most once per receipt.
package materializer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

const (
	// ReceiptTag is attached to every materialized transaction.
	ReceiptTag = "receipt"
	// ReviewTag is attached when the source receipt needs manual review.
	ReviewTag = "needs-review"
)

// Store is the subset of the local store the materializer needs.
type Store interface {
	GetReceipt(ctx context.Context, userID, receiptID string) (*domain.ReceiptRecord, error)
	FindTransactionBySourceReceipt(ctx context.Context, receiptRecordID string) (*domain.TransactionRecord, error)
	CommitMaterialization(ctx context.Context, txn *domain.TransactionRecord) (*domain.TransactionRecord, bool, error)
	ListUnprocessed(ctx context.Context, userID string) ([]*domain.ReceiptRecord, error)
}

// Materializer is safe for concurrent use.
type Materializer struct {
	store       Store
	categorizer *Categorizer
	group       singleflight.Group
}

// New returns a Materializer using the embedded category rules when rules is nil.
func New(store Store, rules *Rules) *Materializer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Materializer{store: store, categorizer: NewCategorizer(rules)}
}

// Materialize returns the transaction for the user's receipt, creating it
// and marking the receipt processed if none exists yet. Fails with
// domain.ErrNotFound when the receipt does not exist. Concurrent calls for
// the same receipt share one result.
func (m *Materializer) Materialize(ctx context.Context, userID, receiptID string) (*domain.TransactionRecord, error) {
	key := userID + "\x00" + receiptID
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.materialize(ctx, userID, receiptID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.TransactionRecord), nil
}

func (m *Materializer) materialize(ctx context.Context, userID, receiptID string) (*domain.TransactionRecord, error) {
	log := logger.FromContext(ctx).With().Str("user_id", userID).Str("receipt_id", receiptID).Logger()

	rec, err := m.store.GetReceipt(ctx, userID, receiptID)
	if err != nil {
		return nil, fmt.Errorf("Materialize: %w", err)
	}

	if rec.Processed {
		existing, err := m.store.FindTransactionBySourceReceipt(ctx, rec.ID)
		if err == nil {
			log.Debug().Str("transaction_id", existing.ID).Msg("Receipt already materialized")
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("Materialize: %w", err)
		}
		// Processed without a transaction: rebuild it below.
		log.Warn().Msg("Processed receipt has no transaction, materializing again")
	}

	txn, created, err := m.store.CommitMaterialization(ctx, m.Build(rec))
	if err != nil {
		return nil, fmt.Errorf("Materialize: %w", err)
	}

	if created {
		log.Info().
			Str("transaction_id", txn.ID).
			Str("category", txn.Category).
			Str("amount", txn.Amount.String()).
			Msg("Materialized receipt into transaction")
	}
	return txn, nil
}

// Build maps a receipt to its transaction without persisting it.
// Receipts record money spent, so the amount is the positive total.
func (m *Materializer) Build(rec *domain.ReceiptRecord) *domain.TransactionRecord {
	src := rec.ID
	items := make([]domain.LineItem, len(rec.LineItems))
	copy(items, rec.LineItems)

	tags := []string{ReceiptTag}
	if rec.NeedsReview {
		tags = append(tags, ReviewTag)
	}

	return &domain.TransactionRecord{
		UserID:          rec.UserID,
		Amount:          rec.TotalAmount,
		Category:        m.categorizer.Categorize(rec),
		MerchantName:    rec.MerchantName,
		Date:            rec.Date,
		Note:            note(rec),
		Location:        rec.Location,
		LineItems:       items,
		Tags:            tags,
		SourceReceiptID: &src,
		SyncState:       domain.SyncStateUnsynced,
	}
}

func note(rec *domain.ReceiptRecord) string {
	n := len(rec.LineItems)
	if n == 1 && rec.LineItems[0].Name == domain.SyntheticItemName {
		return fmt.Sprintf("Receipt from %s", rec.MerchantName)
	}
	suffix := "s"
	if n == 1 {
		suffix = ""
	}
	return fmt.Sprintf("Receipt from %s (%d item%s)", rec.MerchantName, n, suffix)
}

// PendingReport lists the outcome of MaterializePending.
type PendingReport struct {
	Materialized []*domain.TransactionRecord
	Failed       map[string]error // keyed by receipt id
}

// MaterializePending materializes every unprocessed receipt of the user.
// A failing receipt is recorded and does not stop the rest.
func (m *Materializer) MaterializePending(ctx context.Context, userID string) (*PendingReport, error) {
	log := logger.FromContext(ctx)

	pending, err := m.store.ListUnprocessed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("MaterializePending: %w", err)
	}

	report := &PendingReport{Failed: map[string]error{}}
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		txn, err := m.Materialize(ctx, userID, rec.ReceiptID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("receipt_id", rec.ReceiptID).Msg("Failed to materialize receipt")
			report.Failed[rec.ReceiptID] = err
			continue
		}
		report.Materialized = append(report.Materialized, txn)
	}
	return report, nil
}
