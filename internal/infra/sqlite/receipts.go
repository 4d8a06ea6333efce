package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

const receiptColumns = `id, user_id, receipt_id, total_amount, merchant_name, receipt_date, location,
	confidence, needs_review, processed, processed_at, sync_state, synced_at, remote_id, created_at, updated_at`

// InsertReceipt stores rec unless a record with the same (UserID, ReceiptID)
// exists, in which case the existing record is returned with inserted=false.
// On insert, rec's ID and timestamps are filled in.
func (s *Store) InsertReceipt(ctx context.Context, rec *domain.ReceiptRecord) (*domain.ReceiptRecord, bool, error) {
	if err := rec.Validate(); err != nil {
		return nil, false, storageErr("insert receipt", err)
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return nil, false, storageErr("insert receipt", errors.New("empty user_id"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("insert receipt: begin tx", err)
	}
	defer tx.Rollback()

	now := s.now()
	row := *rec
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt, row.UpdatedAt = now, now
	if row.SyncState == "" {
		row.SyncState = domain.SyncStateUnsynced
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO receipt_records
		(id, user_id, receipt_id, total_amount, merchant_name, receipt_date, location,
		 confidence, needs_review, processed, processed_at, sync_state, synced_at, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, receipt_id) DO NOTHING
	`,
		row.ID, row.UserID, row.ReceiptID, row.TotalAmount.String(), row.MerchantName, row.Date.String(),
		nullString(row.Location), row.Confidence, row.NeedsReview, row.Processed, nullTime(row.ProcessedAt),
		string(row.SyncState), nullTime(row.SyncedAt), nullString(row.RemoteID),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
	)
	if err != nil {
		return nil, false, storageErr("insert receipt", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, storageErr("insert receipt: rows affected", err)
	}

	if affected == 0 {
		existing, err := scanReceipt(tx.QueryRowContext(ctx,
			`SELECT `+receiptColumns+` FROM receipt_records WHERE user_id = ? AND receipt_id = ?`,
			row.UserID, row.ReceiptID))
		if err != nil {
			return nil, false, storageErr("insert receipt: select existing", err)
		}
		if existing.LineItems, err = loadLineItems(ctx, tx, existing.ID); err != nil {
			return nil, false, storageErr("insert receipt: select existing items", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, storageErr("insert receipt: commit", err)
		}
		return existing, false, nil
	}

	for i, li := range row.LineItems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipt_line_items (receipt_record_id, position, name, unit_price, quantity, category)
			VALUES (?, ?, ?, ?, ?, ?)
		`, row.ID, i, li.Name, li.UnitPrice.String(), li.Quantity, li.Category); err != nil {
			return nil, false, storageErr("insert receipt: line item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("insert receipt: commit", err)
	}

	rec.ID, rec.CreatedAt, rec.UpdatedAt, rec.SyncState = row.ID, row.CreatedAt, row.UpdatedAt, row.SyncState
	return rec, true, nil
}

// GetReceipt returns the record with the given natural key.
func (s *Store) GetReceipt(ctx context.Context, userID, receiptID string) (*domain.ReceiptRecord, error) {
	return s.getReceipt(ctx, "get receipt", receiptID,
		`SELECT `+receiptColumns+` FROM receipt_records WHERE user_id = ? AND receipt_id = ?`, userID, receiptID)
}

// GetReceiptByID returns the record with the given internal id.
func (s *Store) GetReceiptByID(ctx context.Context, id string) (*domain.ReceiptRecord, error) {
	return s.getReceipt(ctx, "get receipt by id", id,
		`SELECT `+receiptColumns+` FROM receipt_records WHERE id = ?`, id)
}

func (s *Store) getReceipt(ctx context.Context, op, key, query string, args ...any) (*domain.ReceiptRecord, error) {
	rec, err := scanReceipt(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "receipt", Key: key}
	}
	if err != nil {
		return nil, storageErr(op, err)
	}
	if rec.LineItems, err = loadLineItems(ctx, s.db, rec.ID); err != nil {
		return nil, storageErr(op+": line items", err)
	}
	return rec, nil
}

// MarkProcessed sets processed=true. Marking an already processed record is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipt_records SET processed = 1, processed_at = ?, updated_at = ?
		WHERE id = ? AND processed = 0
	`, now, now, id)
	if err != nil {
		return storageErr("mark processed", err)
	}
	return s.requireRowOrExisting(ctx, res, "receipt_records", "receipt", id)
}

// MarkSynced records the remote acknowledgement. A record that is already
// synced keeps its original remote id.
func (s *Store) MarkSynced(ctx context.Context, id, remoteID string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE receipt_records
		SET sync_state = 'synced', synced_at = ?, remote_id = ?, sync_claimed_at = NULL, updated_at = ?
		WHERE id = ? AND sync_state != 'synced'
	`, now, remoteID, now, id)
	if err != nil {
		return storageErr("mark synced", err)
	}
	return s.requireRowOrExisting(ctx, res, "receipt_records", "receipt", id)
}

// ListUnprocessed returns the user's receipts not yet materialized, oldest first.
func (s *Store) ListUnprocessed(ctx context.Context, userID string) ([]*domain.ReceiptRecord, error) {
	return s.listReceipts(ctx, "list unprocessed", `
		SELECT `+receiptColumns+` FROM receipt_records
		WHERE user_id = ? AND processed = 0
		ORDER BY created_at ASC, id ASC
	`, userID)
}

// ListUnsynced returns the user's receipts not acknowledged by the remote
// store, oldest first. Records currently claimed by a reconciler are included;
// claiming decides who pushes them. limit <= 0 means no limit.
func (s *Store) ListUnsynced(ctx context.Context, userID string, limit int) ([]*domain.ReceiptRecord, error) {
	return s.listReceipts(ctx, "list unsynced", `
		SELECT `+receiptColumns+` FROM receipt_records
		WHERE user_id = ? AND sync_state != 'synced'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, userID, sqlLimit(limit))
}

// ListReceipts returns all of the user's receipts, newest first.
func (s *Store) ListReceipts(ctx context.Context, userID string, limit int) ([]*domain.ReceiptRecord, error) {
	return s.listReceipts(ctx, "list receipts", `
		SELECT `+receiptColumns+` FROM receipt_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, sqlLimit(limit))
}

// DeleteReceipt removes the record and its line items. Transactions
// materialized from it are left untouched.
func (s *Store) DeleteReceipt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM receipt_records WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete receipt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete receipt: rows affected", err)
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: "receipt", Key: id}
	}
	return nil
}

// ListUserIDs returns every user that owns at least one receipt or transaction.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM receipt_records
		UNION
		SELECT user_id FROM transactions
		ORDER BY 1
	`)
	if err != nil {
		return nil, storageErr("list user ids", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("list user ids: scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list user ids: iterate", err)
	}
	return ids, nil
}

func (s *Store) listReceipts(ctx context.Context, op, query string, args ...any) ([]*domain.ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}

	records := []*domain.ReceiptRecord{}
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr(op+": scan", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr(op+": iterate", err)
	}
	// The single connection must be released before loading items.
	rows.Close()

	for _, rec := range records {
		if rec.LineItems, err = loadLineItems(ctx, s.db, rec.ID); err != nil {
			return nil, storageErr(op+": line items", err)
		}
	}
	return records, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadLineItems(ctx context.Context, q querier, receiptRecordID string) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, unit_price, quantity, category FROM receipt_line_items
		WHERE receipt_record_id = ?
		ORDER BY position ASC
	`, receiptRecordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.LineItem{}
	for rows.Next() {
		var (
			li    domain.LineItem
			price string
		)
		if err := rows.Scan(&li.Name, &price, &li.Quantity, &li.Category); err != nil {
			return nil, err
		}
		if li.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("line item price %q: %w", price, err)
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

func scanReceipt(row rowScanner) (*domain.ReceiptRecord, error) {
	var (
		rec                    domain.ReceiptRecord
		total, date, syncState string
		location, remoteID     sql.NullString
		processedAt, syncedAt  sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ReceiptID, &total, &rec.MerchantName, &date, &location,
		&rec.Confidence, &rec.NeedsReview, &rec.Processed, &processedAt, &syncState, &syncedAt, &remoteID,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if rec.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("total_amount %q: %w", total, err)
	}
	if rec.Date, err = civil.ParseDate(date); err != nil {
		return nil, fmt.Errorf("receipt_date %q: %w", date, err)
	}
	if rec.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, fmt.Errorf("processed_at: %w", err)
	}
	if rec.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, fmt.Errorf("synced_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	rec.Location = stringPtr(location)
	rec.RemoteID = stringPtr(remoteID)
	rec.SyncState = domain.SyncState(syncState)
	return &rec, nil
}

// requireRowOrExisting turns "no row updated" into NotFound when the row is
// absent, and into a no-op when the row exists but was already transitioned.
func (s *Store) requireRowOrExisting(ctx context.Context, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Kind: kind, Key: id}
	}
	return storageErr("lookup "+kind, err)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// leaseCutoff is the claim time before which a syncing record is considered
// abandoned.
func leaseCutoff(now time.Time, lease time.Duration) string {
	return formatTime(now.Add(-lease))
}
