// Package reconciler pushes locally pending receipts and transactions to the
// remote store.
//
// Each record moves through unsynced -> syncing -> synced. A pass claims a
// record with a compare-and-set before pushing it, so concurrent passes for
// the same user never push the same record twice. A failed push releases the
// claim, and a claim abandoned by a crashed pass expires after the lease.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

// Remote is the remote store the reconciler pushes to.
type Remote interface {
	// PushReceipt creates the receipt remotely and returns its remote id.
	PushReceipt(ctx context.Context, payload *WirePayload) (string, error)
	// PushTransaction creates the transaction, or updates it when remoteID is
	// not empty, and returns the remote id.
	PushTransaction(ctx context.Context, payload *WirePayload, remoteID string) (string, error)
}

// Store is the local state the reconciler reads and transitions.
type Store interface {
	ResetStaleSyncing(ctx context.Context, userID string, lease time.Duration) (int64, error)
	PendingCounts(ctx context.Context, userID string) (receipts, transactions int, err error)

	ListUnsynced(ctx context.Context, userID string, limit int) ([]*domain.ReceiptRecord, error)
	GetReceiptByID(ctx context.Context, id string) (*domain.ReceiptRecord, error)
	ClaimReceiptForSync(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseReceiptSync(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id, remoteID string) error

	ListUnsyncedTransactions(ctx context.Context, userID string, limit int) ([]*domain.TransactionRecord, error)
	ClaimTransactionForSync(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseTransactionSync(ctx context.Context, id string) error
	MarkTransactionSynced(ctx context.Context, id, remoteID string, version time.Time) error
}

// Options tunes a Reconciler. Zero fields take the defaults.
type Options struct {
	BatchSize   int           // records of each kind per pass
	Workers     int           // concurrent pushes
	Lease       time.Duration // how long a claim is honored
	PushTimeout time.Duration // per push, 0 for none
}

const (
	defaultBatchSize = 100
	defaultWorkers   = 4
	defaultLease     = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.Lease <= 0 {
		o.Lease = defaultLease
	}
	return o
}

// Report summarizes one pass.
type Report struct {
	Attempted int
	Synced    int
	Skipped   int              // claimed by another pass
	Failed    map[string]error // keyed by "receipt:<receipt_id>" or "transaction:<id>"

	mu sync.Mutex
}

func newReport() *Report {
	return &Report{Failed: map[string]error{}}
}

// record counts one record. claimed=false means another pass held it.
func (r *Report) record(key string, claimed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !claimed:
		r.Skipped++
	case err != nil:
		r.Attempted++
		r.Failed[key] = err
	default:
		r.Attempted++
		r.Synced++
	}
}

// Reconciler is safe for concurrent use, including concurrent Run calls for
// the same user.
type Reconciler struct {
	store  Store
	remote Remote
	opts   Options
}

// New returns a Reconciler.
func New(store Store, remote Remote, opts Options) *Reconciler {
	return &Reconciler{store: store, remote: remote, opts: opts.withDefaults()}
}

// Run makes one reconciliation pass over the user's pending records. Push
// failures are reported per record in the Report and never abort the pass;
// the returned error is reserved for failures to read local state.
func (r *Reconciler) Run(ctx context.Context, userID string) (*Report, error) {
	log := logger.FromContext(ctx).With().Str("user_id", userID).Logger()
	ctx = logger.WithContext(ctx, log)

	if n, err := r.store.ResetStaleSyncing(ctx, userID, r.opts.Lease); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("Reset stale syncing records")
	}

	receipts, err := r.store.ListUnsynced(ctx, userID, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	txns, err := r.store.ListUnsyncedTransactions(ctx, userID, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	report := newReport()
	if len(receipts) == 0 && len(txns) == 0 {
		return report, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, rec := range receipts {
		g.Go(func() error {
			claimed, err := r.syncReceipt(gctx, rec)
			report.record("receipt:"+rec.ReceiptID, claimed, err)
			return nil
		})
	}
	for _, txn := range txns {
		g.Go(func() error {
			claimed, err := r.syncTransaction(gctx, txn)
			report.record("transaction:"+txn.ID, claimed, err)
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("attempted", report.Attempted).
		Int("synced", report.Synced).
		Int("skipped", report.Skipped).
		Int("failed", len(report.Failed)).
		Msg("Sync pass completed")

	return report, ctx.Err()
}

func (r *Reconciler) syncReceipt(ctx context.Context, rec *domain.ReceiptRecord) (bool, error) {
	log := logger.FromContext(ctx).With().Str("receipt_id", rec.ReceiptID).Logger()

	claimed, err := r.store.ClaimReceiptForSync(ctx, rec.ID, r.opts.Lease)
	if err != nil {
		return true, err
	}
	if !claimed {
		return false, nil
	}

	remoteID, err := r.push(ctx, func(ctx context.Context) (string, error) {
		return r.remote.PushReceipt(ctx, ReceiptPayload(rec))
	})
	if err != nil {
		err = &domain.RemoteSyncError{RecordID: rec.ReceiptID, Kind: "receipt", Err: err}
		r.release(ctx, r.store.ReleaseReceiptSync, rec.ID)
		log.Warn().Err(err).Msg("Failed to push receipt")
		return true, err
	}

	if err := r.store.MarkSynced(ctx, rec.ID, remoteID); err != nil {
		// The claim expires with the lease and the push is retried.
		log.Warn().Err(err).Str("remote_id", remoteID).Msg("Pushed receipt but failed to mark it synced")
		return true, err
	}
	log.Debug().Str("remote_id", remoteID).Msg("Receipt synced")
	return true, nil
}

func (r *Reconciler) syncTransaction(ctx context.Context, txn *domain.TransactionRecord) (bool, error) {
	log := logger.FromContext(ctx).With().Str("transaction_id", txn.ID).Logger()

	claimed, err := r.store.ClaimTransactionForSync(ctx, txn.ID, r.opts.Lease)
	if err != nil {
		return true, err
	}
	if !claimed {
		return false, nil
	}

	receiptID, err := r.sourceReceiptID(ctx, txn)
	if err != nil {
		r.release(ctx, r.store.ReleaseTransactionSync, txn.ID)
		return true, err
	}

	var current string
	if txn.RemoteID != nil {
		current = *txn.RemoteID
	}
	payload := TransactionPayload(txn, receiptID)
	remoteID, err := r.push(ctx, func(ctx context.Context) (string, error) {
		return r.remote.PushTransaction(ctx, payload, current)
	})
	// The remote copy was deleted; create a fresh one instead of updating a
	// dead id on every pass.
	if current != "" && errors.Is(err, domain.ErrNotFound) {
		log.Info().Str("remote_id", current).Msg("Remote transaction is gone, recreating it")
		remoteID, err = r.push(ctx, func(ctx context.Context) (string, error) {
			return r.remote.PushTransaction(ctx, payload, "")
		})
	}
	if err != nil {
		err = &domain.RemoteSyncError{RecordID: txn.ID, Kind: "transaction", Err: err}
		r.release(ctx, r.store.ReleaseTransactionSync, txn.ID)
		log.Warn().Err(err).Msg("Failed to push transaction")
		return true, err
	}

	if err := r.store.MarkTransactionSynced(ctx, txn.ID, remoteID, txn.UpdatedAt); err != nil {
		log.Warn().Err(err).Str("remote_id", remoteID).Msg("Pushed transaction but failed to mark it synced")
		return true, err
	}
	log.Debug().Str("remote_id", remoteID).Msg("Transaction synced")
	return true, nil
}

// sourceReceiptID resolves the natural receipt id of a materialized
// transaction. A deleted source receipt leaves it empty.
func (r *Reconciler) sourceReceiptID(ctx context.Context, txn *domain.TransactionRecord) (string, error) {
	if txn.SourceReceiptID == nil {
		return "", nil
	}
	rec, err := r.store.GetReceiptByID(ctx, *txn.SourceReceiptID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.ReceiptID, nil
}

func (r *Reconciler) push(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	if r.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.PushTimeout)
		defer cancel()
	}
	remoteID, err := call(ctx)
	if err != nil {
		return "", err
	}
	if remoteID == "" {
		return "", errors.New("remote returned no id")
	}
	return remoteID, nil
}

// release runs even when ctx is already canceled so an aborted push does not
// hold its claim until the lease expires.
func (r *Reconciler) release(ctx context.Context, fn func(context.Context, string) error, id string) {
	if err := fn(context.WithoutCancel(ctx), id); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("record_id", id).Msg("Failed to release sync claim")
	}
}

// Pending is the pending-sync indicator for one user.
type Pending struct {
	Receipts     int `json:"receipts"`
	Transactions int `json:"transactions"`
}

// Total returns the number of records waiting for the remote store.
func (p Pending) Total() int {
	return p.Receipts + p.Transactions
}

// PendingCount reports how many of the user's records are not yet synced.
func (r *Reconciler) PendingCount(ctx context.Context, userID string) (Pending, error) {
	receipts, txns, err := r.store.PendingCounts(ctx, userID)
	if err != nil {
		return Pending{}, fmt.Errorf("PendingCount: %w", err)
	}
	return Pending{Receipts: receipts, Transactions: txns}, nil
}

// Loop runs a pass for every user returned by users, then again every
// interval, until ctx is done.
func (r *Reconciler) Loop(ctx context.Context, users func(context.Context) ([]string, error), interval time.Duration) error {
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ids, err := users(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list users for sync")
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			if _, err := r.Run(ctx, id); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("user_id", id).Msg("Sync pass failed")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
