package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testReceipt(userID, receiptID string) *domain.ReceiptRecord {
	return &domain.ReceiptRecord{
		ReceiptID:    receiptID,
		UserID:       userID,
		TotalAmount:  decimal.RequireFromString("45.50"),
		MerchantName: "Cafe X",
		Date:         civil.Date{Year: 2024, Month: 3, Day: 1},
		Confidence:   0.9,
		LineItems: []domain.LineItem{
			{Name: "Coffee", UnitPrice: decimal.RequireFromString("4.50"), Quantity: 1, Category: "Food"},
			{Name: "Cake", UnitPrice: decimal.RequireFromString("41.00"), Quantity: 1, Category: "Food"},
		},
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, _, err = s1.InsertReceipt(context.Background(), testReceipt("u1", "r1"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var mode string
	require.NoError(t, s2.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, s2.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	got, err := s2.GetReceipt(context.Background(), "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Cafe X", got.MerchantName)
}

func TestInsertReceipt_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	loc := "Main St"
	rec := testReceipt("u1", "r1")
	rec.Location = &loc

	stored, inserted, err := s.InsertReceipt(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, domain.SyncStateUnsynced, stored.SyncState)

	got, err := s.GetReceipt(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("45.50")))
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 1}, got.Date)
	require.NotNil(t, got.Location)
	assert.Equal(t, "Main St", *got.Location)
	require.Len(t, got.LineItems, 2)
	assert.Equal(t, "Coffee", got.LineItems[0].Name)
	assert.Equal(t, "Cake", got.LineItems[1].Name)
	assert.False(t, got.Processed)
	assert.False(t, got.Synced())
	assert.Nil(t, got.RemoteID)

	byID, err := s.GetReceiptByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1", byID.ReceiptID)
}

func TestInsertReceipt_SameReceiptIDTwice(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.InsertReceipt(ctx, testReceipt("u1", "r9"))
	require.NoError(t, err)
	require.True(t, inserted)

	dup := testReceipt("u1", "r9")
	dup.MerchantName = "Someone Else"
	second, inserted, err := s.InsertReceipt(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Cafe X", second.MerchantName)
	assert.Len(t, second.LineItems, 2)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM receipt_records WHERE receipt_id = 'r9'`).Scan(&count))
	assert.Equal(t, 1, count)

	// The natural key is scoped per user.
	_, inserted, err = s.InsertReceipt(ctx, testReceipt("u2", "r9"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertReceipt_Concurrent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.InsertReceipt(ctx, testReceipt("u1", "r-same"))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
}

func TestInsertReceipt_RejectsInvalid(t *testing.T) {
	s := createTestStore(t)

	rec := testReceipt("u1", "r1")
	rec.LineItems = nil
	_, _, err := s.InsertReceipt(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrStorageFailure)

	_, _, err = s.InsertReceipt(context.Background(), testReceipt("", "r1"))
	assert.ErrorIs(t, err, domain.ErrStorageFailure)
}

func TestGetReceipt_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetReceipt(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFlags(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, _, err := s.InsertReceipt(ctx, testReceipt("u1", "a"))
	require.NoError(t, err)
	b, _, err := s.InsertReceipt(ctx, testReceipt("u1", "b"))
	require.NoError(t, err)

	require.NoError(t, s.MarkProcessed(ctx, a.ID))
	require.NoError(t, s.MarkProcessed(ctx, a.ID), "second mark is a no-op")
	require.NoError(t, s.MarkSynced(ctx, b.ID, "remote-b"))
	require.NoError(t, s.MarkSynced(ctx, b.ID, "remote-other"))

	unprocessed, err := s.ListUnprocessed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, "b", unprocessed[0].ReceiptID)

	unsynced, err := s.ListUnsynced(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "a", unsynced[0].ReceiptID)

	got, err := s.GetReceiptByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced())
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, "remote-b", *got.RemoteID)
	assert.NotNil(t, got.SyncedAt)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, s.MarkSynced(ctx, "nope", "x"), domain.ErrNotFound)
}

func TestDeleteReceipt_DoesNotCascadeToTransactions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec, _, err := s.InsertReceipt(ctx, testReceipt("u1", "r1"))
	require.NoError(t, err)

	txn, created, err := s.CommitMaterialization(ctx, testTransaction(rec))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.DeleteReceipt(ctx, rec.ID))
	_, err = s.GetReceiptByID(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, *got.SourceReceiptID)

	assert.ErrorIs(t, s.DeleteReceipt(ctx, rec.ID), domain.ErrNotFound)
}

func TestClaimForSync(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	rec, _, err := s.InsertReceipt(ctx, testReceipt("u1", "r1"))
	require.NoError(t, err)

	ok, err := s.ClaimReceiptForSync(ctx, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimReceiptForSync(ctx, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by the first claimant")

	require.NoError(t, s.ReleaseReceiptSync(ctx, rec.ID))
	ok, err = s.ClaimReceiptForSync(ctx, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released record can be claimed again")

	// A crashed claimant's lease expires.
	clock.Advance(2 * time.Minute)
	ok, err = s.ClaimReceiptForSync(ctx, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkSynced(ctx, rec.ID, "remote-1"))
	ok, err = s.ClaimReceiptForSync(ctx, rec.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "synced records are never claimed")
}

func TestResetStaleSyncing(t *testing.T) {
	s := createTestStore(t)
	clock := newTestClock()
	s.SetClock(clock.Now)
	ctx := context.Background()

	stale, _, err := s.InsertReceipt(ctx, testReceipt("u1", "stale"))
	require.NoError(t, err)
	ok, err := s.ClaimReceiptForSync(ctx, stale.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(5 * time.Minute)

	fresh, _, err := s.InsertReceipt(ctx, testReceipt("u1", "fresh"))
	require.NoError(t, err)
	ok, err = s.ClaimReceiptForSync(ctx, fresh.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ResetStaleSyncing(ctx, "u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetReceiptByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateUnsynced, got.SyncState)

	got, err = s.GetReceiptByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateSyncing, got.SyncState)

	receipts, txns, err := s.PendingCounts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, receipts)
	assert.Equal(t, 0, txns)
}

func TestListUserIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.InsertReceipt(ctx, testReceipt("bob", "r1"))
	require.NoError(t, err)
	require.NoError(t, s.CreateTransaction(ctx, &domain.TransactionRecord{
		UserID: "alice", Amount: decimal.NewFromInt(3), Date: civil.Date{Year: 2024, Month: 1, Day: 1},
	}))

	ids, err := s.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)
}
