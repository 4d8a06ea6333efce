package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

func testTransaction(rec *domain.ReceiptRecord) *domain.TransactionRecord {
	src := rec.ID
	return &domain.TransactionRecord{
		UserID:          rec.UserID,
		Amount:          rec.TotalAmount,
		Category:        "Food",
		MerchantName:    rec.MerchantName,
		Date:            rec.Date,
		Note:            "Receipt from " + rec.MerchantName,
		LineItems:       rec.LineItems,
		Tags:            []string{"receipt"},
		SourceReceiptID: &src,
	}
}

func TestCommitMaterialization(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.InsertReceipt(ctx, testReceipt("u1", "r1"))
	require.NoError(t, err)

	txn, created, err := s.CommitMaterialization(ctx, testTransaction(rec))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, txn.ID)

	got, err := s.GetReceiptByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.NotNil(t, got.ProcessedAt)

	again, created, err := s.CommitMaterialization(ctx, testTransaction(rec))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, txn.ID, again.ID)
	assert.Equal(t, []string{"receipt"}, again.Tags)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE source_receipt_id = ?`, rec.ID).Scan(&count))
	assert.Equal(t, 1, count)

	found, err := s.FindTransactionBySourceReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, found.ID)
	assert.True(t, found.Amount.Equal(decimal.RequireFromString("45.50")))
	assert.Len(t, found.LineItems, 2)
}

func TestCommitMaterialization_Concurrent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.InsertReceipt(ctx, testReceipt("u1", "r1"))
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, _, err := s.CommitMaterialization(ctx, testTransaction(rec))
			if assert.NoError(t, err) {
				mu.Lock()
				ids[txn.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
}

func TestCommitMaterialization_MissingReceipt(t *testing.T) {
	s := createTestStore(t)
	src := "missing"

	_, _, err := s.CommitMaterialization(context.Background(), &domain.TransactionRecord{
		UserID: "u1", SourceReceiptID: &src, Date: civil.Date{Year: 2024, Month: 1, Day: 1},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = s.CommitMaterialization(context.Background(), &domain.TransactionRecord{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrStorageFailure)
}

func TestFindTransactionBySourceReceipt_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.FindTransactionBySourceReceipt(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransactionSync(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	txn := &domain.TransactionRecord{
		UserID: "u1", Amount: decimal.RequireFromString("12.00"), Category: "Transport",
		Date: civil.Date{Year: 2024, Month: 3, Day: 2},
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))

	pending, err := s.ListUnsyncedTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	version := pending[0].UpdatedAt

	ok, err := s.ClaimTransactionForSync(ctx, txn.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.MarkTransactionSynced(ctx, txn.ID, "remote-1", version))

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())
	assert.Equal(t, "remote-1", *got.RemoteID)

	pending, err = s.ListUnsyncedTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransactionSync_EditDuringPush(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	txn := &domain.TransactionRecord{
		UserID: "u1", Amount: decimal.RequireFromString("12.00"), Date: civil.Date{Year: 2024, Month: 3, Day: 2},
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))
	version := txn.UpdatedAt

	ok, err := s.ClaimTransactionForSync(ctx, txn.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Second)
	edit, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	edit.Note = "edited while pushing"
	edit.UpdatedAt = clock.Now()
	require.NoError(t, s.UpdateTransaction(ctx, edit))

	require.NoError(t, s.MarkTransactionSynced(ctx, txn.ID, "remote-1", version))

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateUnsynced, got.SyncState, "edit must be pushed again")
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, "remote-1", *got.RemoteID)
}

func TestUpdateTransaction_LastWriterWins(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	txn := &domain.TransactionRecord{
		UserID: "u1", Amount: decimal.RequireFromString("5.00"), Date: civil.Date{Year: 2024, Month: 3, Day: 2},
		Tags: []string{"a"},
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))
	created := txn.UpdatedAt

	newer := *txn
	newer.Note = "newer"
	newer.Tags = []string{"b", "c"}
	newer.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, s.UpdateTransaction(ctx, &newer))

	older := *txn
	older.Note = "older"
	older.UpdatedAt = created.Add(30 * time.Second)
	err := s.UpdateTransaction(ctx, &older)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Note)
	assert.Equal(t, []string{"b", "c"}, got.Tags)

	missing := *txn
	missing.ID = "nope"
	assert.ErrorIs(t, s.UpdateTransaction(ctx, &missing), domain.ErrNotFound)
}

func TestUpdateTransaction_SyncedReturnsToUnsynced(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	txn := &domain.TransactionRecord{
		UserID: "u1", Amount: decimal.RequireFromString("5.00"), Date: civil.Date{Year: 2024, Month: 3, Day: 2},
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))
	ok, err := s.ClaimTransactionForSync(ctx, txn.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkTransactionSynced(ctx, txn.ID, "remote-1", txn.UpdatedAt))

	clock.Advance(time.Minute)
	txn.Note = "changed"
	txn.UpdatedAt = clock.Now()
	require.NoError(t, s.UpdateTransaction(ctx, txn))

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateUnsynced, got.SyncState)
	assert.Equal(t, "remote-1", *got.RemoteID)
}

func TestTransactionsCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, amount := range []string{"10", "-250"} {
		require.NoError(t, s.CreateTransaction(ctx, &domain.TransactionRecord{
			UserID: "u1", Amount: decimal.RequireFromString(amount),
			Date: civil.Date{Year: 2024, Month: 3, Day: i + 1},
		}))
	}

	list, err := s.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsExpense(), "newest first: the income entry")
	assert.True(t, list[1].IsExpense())

	require.NoError(t, s.DeleteTransaction(ctx, list[0].ID))
	_, err = s.GetTransaction(ctx, list[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTransaction(ctx, list[0].ID), domain.ErrNotFound)
}
