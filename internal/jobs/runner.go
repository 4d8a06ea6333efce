package jobs

import (
	"context"
	"fmt"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// Ingestor runs the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, userID, image string) (*pipeline.IngestResult, error)
}

// Materializer derives ledger transactions.
type Materializer interface {
	Materialize(ctx context.Context, userID, receiptID string) (*domain.TransactionRecord, error)
}

// Syncer runs a reconciliation pass.
type Syncer interface {
	Run(ctx context.Context, userID string) (*reconciler.Report, error)
}

// Runner dispatches jobs by type. A nil dependency makes its job type fail.
type Runner struct {
	Ingestor     Ingestor
	Materializer Materializer
	Syncer       Syncer
}

// Handle implements JobHandler.
func (r *Runner) Handle(ctx context.Context, job *Job) error {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("job_type", string(job.Type)).
		Str("user_id", job.UserID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	switch job.Type {
	case JobTypeIngestReceipt:
		if r.Ingestor == nil {
			return fmt.Errorf("no ingestor configured")
		}
		res, err := r.Ingestor.Ingest(ctx, job.UserID, job.Image)
		if err != nil {
			return err
		}
		job.ReceiptID = res.Record.ReceiptID
		job.Result = res.Record.ReceiptID
		if res.Fallback {
			job.Result += " (fallback)"
		}
		return nil

	case JobTypeMaterializeReceipt:
		if r.Materializer == nil {
			return fmt.Errorf("no materializer configured")
		}
		txn, err := r.Materializer.Materialize(ctx, job.UserID, job.ReceiptID)
		if err != nil {
			return err
		}
		job.Result = txn.ID
		return nil

	case JobTypeSyncUser:
		if r.Syncer == nil {
			return fmt.Errorf("no syncer configured")
		}
		report, err := r.Syncer.Run(ctx, job.UserID)
		if err != nil {
			return err
		}
		job.Result = fmt.Sprintf("attempted=%d synced=%d skipped=%d failed=%d",
			report.Attempted, report.Synced, report.Skipped, len(report.Failed))
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d records not synced: %w", len(report.Failed), domain.ErrRemoteSyncFailure)
		}
		return nil

	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}
