package materializer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/infra/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cafeReceipt(userID, receiptID string) *domain.ReceiptRecord {
	return &domain.ReceiptRecord{
		ReceiptID:    receiptID,
		UserID:       userID,
		TotalAmount:  decimal.RequireFromString("45.50"),
		MerchantName: "Cafe X",
		Date:         civil.Date{Year: 2024, Month: 3, Day: 1},
		Confidence:   0.9,
		LineItems: []domain.LineItem{
			{Name: "Coffee", UnitPrice: decimal.RequireFromString("45.50"), Quantity: 1, Category: "Food"},
		},
	}
}

func TestMaterialize_CafeReceipt(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, _, err := store.InsertReceipt(ctx, cafeReceipt("u1", "r1"))
	require.NoError(t, err)

	m := New(store, nil)
	txn, err := m.Materialize(ctx, "u1", "r1")
	require.NoError(t, err)

	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("45.50")))
	assert.Equal(t, "Food", txn.Category)
	assert.Equal(t, "Cafe X", txn.MerchantName)
	assert.Equal(t, "Receipt from Cafe X (1 item)", txn.Note)
	assert.True(t, txn.IsExpense())
	assert.Equal(t, []string{ReceiptTag}, txn.Tags)

	rec, err := store.GetReceipt(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	require.NotNil(t, txn.SourceReceiptID)
	assert.Equal(t, rec.ID, *txn.SourceReceiptID)
}

func TestMaterialize_AtMostOnce(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	rec, _, err := store.InsertReceipt(ctx, cafeReceipt("u1", "r1"))
	require.NoError(t, err)

	m := New(store, nil)
	first, err := m.Materialize(ctx, "u1", "r1")
	require.NoError(t, err)
	second, err := m.Materialize(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A second materializer shares nothing in memory with the first.
	third, err := New(store, nil).Materialize(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	list, err := store.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, *list[0].SourceReceiptID)
}

func TestMaterialize_Concurrent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, _, err := store.InsertReceipt(ctx, cafeReceipt("u1", "r1"))
	require.NoError(t, err)

	m1, m2 := New(store, nil), New(store, nil)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		m := m1
		if i%2 == 1 {
			m = m2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := m.Materialize(ctx, "u1", "r1")
			if assert.NoError(t, err) {
				mu.Lock()
				ids[txn.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	list, err := store.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMaterialize_NotFound(t *testing.T) {
	m := New(openStore(t), nil)

	_, err := m.Materialize(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMaterialize_ProcessedWithoutTransaction(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	rec, _, err := store.InsertReceipt(ctx, cafeReceipt("u1", "r1"))
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, rec.ID))

	txn, err := New(store, nil).Materialize(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, *txn.SourceReceiptID)
}

func TestMaterializePending(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := store.InsertReceipt(ctx, cafeReceipt("u1", id))
		require.NoError(t, err)
	}
	m := New(store, nil)
	_, err := m.Materialize(ctx, "u1", "b")
	require.NoError(t, err)

	report, err := m.MaterializePending(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, report.Materialized, 2)
	assert.Empty(t, report.Failed)

	left, err := store.ListUnprocessed(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBuild_FallbackReceipt(t *testing.T) {
	m := New(nil, nil)
	rec := &domain.ReceiptRecord{
		ID:           "id-1",
		ReceiptID:    "receipt_fallback_1",
		UserID:       "u1",
		TotalAmount:  decimal.Zero,
		MerchantName: domain.DefaultMerchantName,
		Date:         civil.Date{Year: 2024, Month: 1, Day: 2},
		Confidence:   domain.FallbackConfidence,
		LineItems:    []domain.LineItem{domain.SyntheticLineItem(decimal.Zero)},
		NeedsReview:  true,
	}

	txn := m.Build(rec)
	assert.Equal(t, domain.DefaultItemCategory, txn.Category)
	assert.Equal(t, "Receipt from Unknown Merchant", txn.Note)
	assert.Equal(t, []string{ReceiptTag, ReviewTag}, txn.Tags)
	assert.True(t, txn.Amount.IsZero())
}
