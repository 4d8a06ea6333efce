package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/imagenorm"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/sanitize"
)

// PipelineStep represents a single step in the ingestion pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	UserID string

	// Either Input (base64 or data URI) or RawBytes is set by the caller.
	Input    string
	RawBytes []byte
	MIMEType string

	Image      *imagenorm.Image
	ArchiveURI string

	RawText    string
	ExtractErr error

	Sanitized   sanitize.Result
	Record      *domain.ReceiptRecord
	Duplicate   bool
	Transaction *domain.TransactionRecord
}

// Step 1: NormalizeStep validates the image. A MalformedImage error stops
// the pipeline before any provider call.
type NormalizeStep struct {
	Options imagenorm.Options
}

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	var (
		img *imagenorm.Image
		err error
	)
	if state.RawBytes != nil {
		img, err = imagenorm.NormalizeBytes(state.RawBytes, state.MIMEType, s.Options)
	} else {
		img, err = imagenorm.Normalize(state.Input, s.Options)
	}
	if err != nil {
		return err
	}
	state.Image = img
	return nil
}

// Step 2: ArchiveStep copies the image to object storage. Failures are
// logged and ignored.
type ArchiveStep struct {
	Archiver Archiver
}

func (s *ArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Archiver == nil {
		return nil
	}
	uri, err := s.Archiver.Archive(ctx, state.UserID, state.Image)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("user_id", state.UserID).Msg("Failed to archive receipt image")
		return nil
	}
	state.ArchiveURI = uri
	return nil
}

// Step 3: ExtractStep calls the OCR provider once. A provider failure is
// kept in the state for the sanitize step instead of aborting.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	text, err := s.Extractor.Extract(ctx, state.Image)
	if err != nil {
		state.ExtractErr = err
		return nil
	}
	state.RawText = text
	return nil
}

// Step 4: SanitizeStep turns provider text into a record, or a fallback record.
type SanitizeStep struct {
	Sanitizer *sanitize.Sanitizer
}

func (s *SanitizeStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.ExtractErr != nil {
		state.Sanitized = s.Sanitizer.Fallback(state.ExtractErr)
	} else {
		state.Sanitized = s.Sanitizer.Sanitize(state.RawText)
	}
	state.Record = state.Sanitized.Record
	state.Record.UserID = state.UserID

	if state.Sanitized.Fallback {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(state.Sanitized.Reason).
			Str("user_id", state.UserID).
			Str("receipt_id", state.Record.ReceiptID).
			Msg("Using fallback receipt record")
	}
	return nil
}

// Step 5: StoreStep inserts the record. A repeated receipt id returns the
// stored record.
type StoreStep struct {
	Store ReceiptStore
}

func (s *StoreStep) Execute(ctx context.Context, state *PipelineState) error {
	stored, inserted, err := s.Store.InsertReceipt(ctx, state.Record)
	if err != nil {
		return fmt.Errorf("storing receipt %s: %w", state.Record.ReceiptID, err)
	}
	state.Record = stored
	state.Duplicate = !inserted
	return nil
}

// Step 6: MaterializeStep derives the ledger transaction. The receipt is
// already stored, so a failure here only leaves it unprocessed for a later pass.
type MaterializeStep struct {
	Materializer Materializer
}

func (s *MaterializeStep) Execute(ctx context.Context, state *PipelineState) error {
	txn, err := s.Materializer.Materialize(ctx, state.UserID, state.Record.ReceiptID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("user_id", state.UserID).
			Str("receipt_id", state.Record.ReceiptID).
			Msg("Materialization deferred")
		return nil
	}
	state.Transaction = txn
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
