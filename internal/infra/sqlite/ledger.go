package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

const transactionColumns = `id, user_id, amount, category, merchant_name, txn_date, note, location, line_items,
	source_receipt_id, sync_state, synced_at, remote_id, created_at, updated_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CommitMaterialization inserts txn and marks its source receipt processed in
// one database transaction. If a transaction already references the receipt,
// that transaction is returned with created=false and nothing is written
// except repairing the receipt's processed flag.
func (s *Store) CommitMaterialization(ctx context.Context, txn *domain.TransactionRecord) (*domain.TransactionRecord, bool, error) {
	if txn.SourceReceiptID == nil || *txn.SourceReceiptID == "" {
		return nil, false, storageErr("commit materialization", errors.New("transaction has no source receipt"))
	}
	receiptID := *txn.SourceReceiptID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("commit materialization: begin tx", err)
	}
	defer tx.Rollback()

	var processed bool
	err = tx.QueryRowContext(ctx, `SELECT processed FROM receipt_records WHERE id = ?`, receiptID).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, &domain.NotFoundError{Kind: "receipt", Key: receiptID}
	}
	if err != nil {
		return nil, false, storageErr("commit materialization: load receipt", err)
	}

	now := s.now()
	row := *txn
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt, row.UpdatedAt = now, now
	row.SyncState = domain.SyncStateUnsynced

	created, err := insertTransaction(ctx, tx, &row, true)
	if err != nil {
		return nil, false, storageErr("commit materialization: insert transaction", err)
	}

	result := &row
	if !created {
		result, err = scanTransaction(tx.QueryRowContext(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE source_receipt_id = ?`, receiptID))
		if err != nil {
			return nil, false, storageErr("commit materialization: select existing", err)
		}
		if result.Tags, err = loadTags(ctx, tx, result.ID); err != nil {
			return nil, false, storageErr("commit materialization: existing tags", err)
		}
	} else if err := setTransactionTags(ctx, tx, row.UserID, row.ID, row.Tags, now); err != nil {
		return nil, false, storageErr("commit materialization: tags", err)
	}

	if !processed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE receipt_records SET processed = 1, processed_at = ?, updated_at = ?
			WHERE id = ? AND processed = 0
		`, formatTime(now), formatTime(now), receiptID); err != nil {
			return nil, false, storageErr("commit materialization: mark processed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("commit materialization: commit", err)
	}

	if created {
		txn.ID, txn.CreatedAt, txn.UpdatedAt, txn.SyncState = row.ID, row.CreatedAt, row.UpdatedAt, row.SyncState
		return txn, true, nil
	}
	return result, false, nil
}

// FindTransactionBySourceReceipt returns the transaction materialized from
// the receipt with the given internal id.
func (s *Store) FindTransactionBySourceReceipt(ctx context.Context, receiptRecordID string) (*domain.TransactionRecord, error) {
	return s.getTransaction(ctx, "find transaction by source receipt", receiptRecordID,
		`SELECT `+transactionColumns+` FROM transactions WHERE source_receipt_id = ?`, receiptRecordID)
}

// ListUnsyncedTransactions returns the user's transactions not acknowledged
// by the remote store, oldest first. limit <= 0 means no limit.
func (s *Store) ListUnsyncedTransactions(ctx context.Context, userID string, limit int) ([]*domain.TransactionRecord, error) {
	return s.listTransactions(ctx, "list unsynced transactions", `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? AND sync_state != 'synced'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, userID, sqlLimit(limit))
}

// MarkTransactionSynced stores the remote id. version is the UpdatedAt the
// pushed payload was built from; if the row was edited since, it keeps the
// remote id but returns to unsynced so the edit is pushed on a later pass.
func (s *Store) MarkTransactionSynced(ctx context.Context, id, remoteID string, version time.Time) error {
	now := formatTime(s.now())
	v := formatTime(version)
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET remote_id = ?,
		    sync_state = CASE WHEN updated_at = ? THEN 'synced' ELSE 'unsynced' END,
		    synced_at = CASE WHEN updated_at = ? THEN ? ELSE synced_at END,
		    sync_claimed_at = NULL
		WHERE id = ? AND sync_state != 'synced'
	`, remoteID, v, v, now, id)
	if err != nil {
		return storageErr("mark transaction synced", err)
	}
	return s.requireRowOrExisting(ctx, res, "transactions", "transaction", id)
}

// CreateTransaction inserts a ledger entry. ID and timestamps are filled in
// when empty.
func (s *Store) CreateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	if strings.TrimSpace(txn.UserID) == "" {
		return storageErr("create transaction", errors.New("empty user_id"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("create transaction: begin tx", err)
	}
	defer tx.Rollback()

	now := s.now()
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = now
	}
	if txn.SyncState == "" {
		txn.SyncState = domain.SyncStateUnsynced
	}

	if _, err := insertTransaction(ctx, tx, txn, false); err != nil {
		return storageErr("create transaction", err)
	}
	if err := setTransactionTags(ctx, tx, txn.UserID, txn.ID, txn.Tags, now); err != nil {
		return storageErr("create transaction: tags", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("create transaction: commit", err)
	}
	return nil
}

// GetTransaction returns a ledger entry by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	return s.getTransaction(ctx, "get transaction", id,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
}

// UpdateTransaction overwrites the editable fields using last-writer-wins:
// an update whose UpdatedAt is older than the stored row fails with
// domain.ErrStaleWrite. A synced row returns to unsynced.
func (s *Store) UpdateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = s.now()
	}
	items, err := json.Marshal(lineItemsOrEmpty(txn.LineItems))
	if err != nil {
		return storageErr("update transaction: encode line items", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update transaction: begin tx", err)
	}
	defer tx.Rollback()

	updatedAt := formatTime(txn.UpdatedAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET amount = ?, category = ?, merchant_name = ?, txn_date = ?, note = ?, location = ?, line_items = ?,
		    sync_state = CASE WHEN sync_state = 'synced' THEN 'unsynced' ELSE sync_state END,
		    updated_at = ?
		WHERE id = ? AND updated_at <= ?
	`, txn.Amount.String(), txn.Category, txn.MerchantName, txn.Date.String(), txn.Note,
		nullString(txn.Location), string(items), updatedAt, txn.ID, updatedAt)
	if err != nil {
		return storageErr("update transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update transaction: rows affected", err)
	}
	if n == 0 {
		var userID string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM transactions WHERE id = ?`, txn.ID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.NotFoundError{Kind: "transaction", Key: txn.ID}
		}
		if err != nil {
			return storageErr("update transaction: lookup", err)
		}
		return fmt.Errorf("update transaction %s: %w", txn.ID, domain.ErrStaleWrite)
	}

	var userID string
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM transactions WHERE id = ?`, txn.ID).Scan(&userID); err != nil {
		return storageErr("update transaction: owner", err)
	}
	if err := setTransactionTags(ctx, tx, userID, txn.ID, txn.Tags, txn.UpdatedAt); err != nil {
		return storageErr("update transaction: tags", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("update transaction: commit", err)
	}
	return nil
}

// DeleteTransaction removes a ledger entry and its tag links.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "transactions", "transaction", id)
}

// ListTransactions returns the user's ledger, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string) ([]*domain.TransactionRecord, error) {
	return s.listTransactions(ctx, "list transactions", `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ?
		ORDER BY txn_date DESC, created_at DESC, id DESC
	`, userID)
}

func (s *Store) getTransaction(ctx context.Context, op, key, query string, args ...any) (*domain.TransactionRecord, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "transaction", Key: key}
	}
	if err != nil {
		return nil, storageErr(op, err)
	}
	if txn.Tags, err = loadTags(ctx, s.db, txn.ID); err != nil {
		return nil, storageErr(op+": tags", err)
	}
	return txn, nil
}

func (s *Store) listTransactions(ctx context.Context, op, query string, args ...any) ([]*domain.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}

	txns := []*domain.TransactionRecord{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, storageErr(op+": scan", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr(op+": iterate", err)
	}
	rows.Close()

	for _, txn := range txns {
		if txn.Tags, err = loadTags(ctx, s.db, txn.ID); err != nil {
			return nil, storageErr(op+": tags", err)
		}
	}
	return txns, nil
}

// insertTransaction writes one row. With ignoreConflict, a uniqueness
// conflict is reported as created=false instead of an error.
func insertTransaction(ctx context.Context, e execer, txn *domain.TransactionRecord, ignoreConflict bool) (bool, error) {
	items, err := json.Marshal(lineItemsOrEmpty(txn.LineItems))
	if err != nil {
		return false, fmt.Errorf("encode line items: %w", err)
	}

	query := `
		INSERT INTO transactions
		(id, user_id, amount, category, merchant_name, txn_date, note, location, line_items,
		 source_receipt_id, sync_state, synced_at, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT DO NOTHING`
	}

	res, err := e.ExecContext(ctx, query,
		txn.ID, txn.UserID, txn.Amount.String(), txn.Category, txn.MerchantName, txn.Date.String(), txn.Note,
		nullString(txn.Location), string(items), nullString(txn.SourceReceiptID), string(txn.SyncState),
		nullTime(txn.SyncedAt), nullString(txn.RemoteID), formatTime(txn.CreatedAt), formatTime(txn.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTransaction(row rowScanner) (*domain.TransactionRecord, error) {
	var (
		txn                      domain.TransactionRecord
		amount, date, items      string
		syncState                string
		location, source, remote sql.NullString
		syncedAt                 sql.NullString
		createdAt, updatedAt     string
	)
	if err := row.Scan(
		&txn.ID, &txn.UserID, &amount, &txn.Category, &txn.MerchantName, &date, &txn.Note, &location, &items,
		&source, &syncState, &syncedAt, &remote, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if txn.Date, err = civil.ParseDate(date); err != nil {
		return nil, fmt.Errorf("txn_date %q: %w", date, err)
	}
	if err := json.Unmarshal([]byte(items), &txn.LineItems); err != nil {
		return nil, fmt.Errorf("line_items: %w", err)
	}
	if txn.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, fmt.Errorf("synced_at: %w", err)
	}
	if txn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if txn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	txn.Location = stringPtr(location)
	txn.SourceReceiptID = stringPtr(source)
	txn.RemoteID = stringPtr(remote)
	txn.SyncState = domain.SyncState(syncState)
	return &txn, nil
}

// setTransactionTags replaces the transaction's tag links, creating missing
// tags by name.
func setTransactionTags(ctx context.Context, e execer, userID, txnID string, names []string, now time.Time) error {
	if _, err := e.ExecContext(ctx, `DELETE FROM transaction_tags WHERE transaction_id = ?`, txnID); err != nil {
		return err
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := e.ExecContext(ctx, `
			INSERT INTO tags (id, user_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO NOTHING
		`, uuid.NewString(), userID, name, formatTime(now), formatTime(now)); err != nil {
			return err
		}
		if _, err := e.ExecContext(ctx, `
			INSERT INTO transaction_tags (transaction_id, tag_id)
			SELECT ?, id FROM tags WHERE user_id = ? AND name = ?
			ON CONFLICT DO NOTHING
		`, txnID, userID, name); err != nil {
			return err
		}
	}
	return nil
}

func loadTags(ctx context.Context, q querier, txnID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.name FROM transaction_tags tt
		JOIN tags t ON t.id = tt.tag_id
		WHERE tt.transaction_id = ?
		ORDER BY t.name ASC
	`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func lineItemsOrEmpty(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return []domain.LineItem{}
	}
	return items
}
