package sqlite

import (
	"context"
	"time"
)

// Sync state transitions shared by receipt_records and transactions:
//
//	unsynced -> syncing   claim (compare-and-set)
//	syncing  -> synced    mark synced
//	syncing  -> unsynced  release after a failed push, or lease expiry

// ClaimReceiptForSync moves an unsynced receipt to syncing. A syncing
// receipt whose claim is older than lease is reclaimed. claimed=false means
// another worker holds it or it is already synced.
func (s *Store) ClaimReceiptForSync(ctx context.Context, id string, lease time.Duration) (bool, error) {
	return s.claim(ctx, "receipt_records", id, lease)
}

// ReleaseReceiptSync returns a syncing receipt to unsynced.
func (s *Store) ReleaseReceiptSync(ctx context.Context, id string) error {
	return s.release(ctx, "receipt_records", id)
}

// ClaimTransactionForSync is ClaimReceiptForSync for the ledger.
func (s *Store) ClaimTransactionForSync(ctx context.Context, id string, lease time.Duration) (bool, error) {
	return s.claim(ctx, "transactions", id, lease)
}

// ReleaseTransactionSync returns a syncing transaction to unsynced.
func (s *Store) ReleaseTransactionSync(ctx context.Context, id string) error {
	return s.release(ctx, "transactions", id)
}

// ResetStaleSyncing returns every syncing record of the user whose claim is
// older than lease to unsynced, so a crashed pass never leaves records stuck.
func (s *Store) ResetStaleSyncing(ctx context.Context, userID string, lease time.Duration) (int64, error) {
	cutoff := leaseCutoff(s.now(), lease)
	var total int64
	for _, table := range []string{"receipt_records", "transactions"} {
		res, err := s.db.ExecContext(ctx, `
			UPDATE `+table+` SET sync_state = 'unsynced', sync_claimed_at = NULL
			WHERE user_id = ? AND sync_state = 'syncing'
			  AND (sync_claimed_at IS NULL OR sync_claimed_at < ?)
		`, userID, cutoff)
		if err != nil {
			return total, storageErr("reset stale syncing", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, storageErr("reset stale syncing: rows affected", err)
		}
		total += n
	}
	return total, nil
}

// PendingCounts reports how many receipts and transactions of the user are
// not yet synced.
func (s *Store) PendingCounts(ctx context.Context, userID string) (receipts, transactions int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM receipt_records WHERE user_id = ? AND sync_state != 'synced'),
			(SELECT COUNT(*) FROM transactions WHERE user_id = ? AND sync_state != 'synced')
	`, userID, userID).Scan(&receipts, &transactions)
	if err != nil {
		return 0, 0, storageErr("pending counts", err)
	}
	return receipts, transactions, nil
}

func (s *Store) claim(ctx context.Context, table, id string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET sync_state = 'syncing', sync_claimed_at = ?
		WHERE id = ?
		  AND (sync_state = 'unsynced'
		       OR (sync_state = 'syncing' AND (sync_claimed_at IS NULL OR sync_claimed_at < ?)))
	`, formatTime(now), id, leaseCutoff(now, lease))
	if err != nil {
		return false, storageErr("claim for sync", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("claim for sync: rows affected", err)
	}
	return n == 1, nil
}

func (s *Store) release(ctx context.Context, table, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET sync_state = 'unsynced', sync_claimed_at = NULL
		WHERE id = ? AND sync_state = 'syncing'
	`, id); err != nil {
		return storageErr("release sync", err)
	}
	return nil
}
