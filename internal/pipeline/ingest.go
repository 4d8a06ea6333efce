// Package pipeline runs receipt ingestion: normalize the image, archive it,
// extract text with the OCR provider, sanitize it into a record and store it,
// optionally materializing the ledger transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/imagenorm"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/sanitize"
)

// Extractor reads raw text from a normalized image.
type Extractor interface {
	Extract(ctx context.Context, img *imagenorm.Image) (string, error)
}

// Archiver keeps a copy of the image and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, userID string, img *imagenorm.Image) (string, error)
}

// ReceiptStore is the idempotent receipt insert.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, rec *domain.ReceiptRecord) (*domain.ReceiptRecord, bool, error)
}

// Materializer derives a ledger transaction from a stored receipt.
type Materializer interface {
	Materialize(ctx context.Context, userID, receiptID string) (*domain.TransactionRecord, error)
}

// Deps wires an Ingestor. Archiver and Materializer are optional.
type Deps struct {
	Extractor    Extractor
	Sanitizer    *sanitize.Sanitizer
	Store        ReceiptStore
	Archiver     Archiver
	Materializer Materializer
	ImageOptions imagenorm.Options
}

// IngestResult is what one ingestion produced.
type IngestResult struct {
	Record      *domain.ReceiptRecord
	Fallback    bool
	Duplicate   bool
	Transaction *domain.TransactionRecord
	// Reason explains a fallback record.
	Reason     error
	ArchiveURI string
}

// Ingestor turns receipt images into stored records.
type Ingestor struct {
	pipeline *Pipeline
}

// NewIngestor builds the step pipeline from deps.
func NewIngestor(deps Deps) *Ingestor {
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New(0, 0)
	}
	steps := []PipelineStep{
		&NormalizeStep{Options: deps.ImageOptions},
		&ArchiveStep{Archiver: deps.Archiver},
		&ExtractStep{Extractor: deps.Extractor},
		&SanitizeStep{Sanitizer: deps.Sanitizer},
		&StoreStep{Store: deps.Store},
	}
	if deps.Materializer != nil {
		steps = append(steps, &MaterializeStep{Materializer: deps.Materializer})
	}
	return &Ingestor{pipeline: NewPipeline(steps...)}
}

// Ingest processes a base64 or data-URI image for userID.
//
// A malformed image fails with domain.ErrMalformedImage before the provider
// is called. Provider and parse failures never fail ingestion; they yield a
// fallback record. Storage failures are returned and are retryable.
func (i *Ingestor) Ingest(ctx context.Context, userID, image string) (*IngestResult, error) {
	return i.run(ctx, &PipelineState{UserID: userID, Input: image})
}

// IngestBytes processes raw image bytes, such as a file read from disk.
func (i *Ingestor) IngestBytes(ctx context.Context, userID string, data []byte, mimeType string) (*IngestResult, error) {
	if data == nil {
		data = []byte{}
	}
	return i.run(ctx, &PipelineState{UserID: userID, RawBytes: data, MIMEType: mimeType})
}

func (i *Ingestor) run(ctx context.Context, state *PipelineState) (*IngestResult, error) {
	if strings.TrimSpace(state.UserID) == "" {
		return nil, errors.New("Ingest: empty user id")
	}
	log := logger.FromContext(ctx).With().Str("user_id", state.UserID).Logger()
	ctx = logger.WithContext(ctx, log)

	if err := i.pipeline.Execute(ctx, state); err != nil {
		log.Error().Err(err).Msg("Receipt ingestion failed")
		return nil, fmt.Errorf("Ingest: %w", err)
	}

	log.Info().
		Str("receipt_id", state.Record.ReceiptID).
		Bool("fallback", state.Sanitized.Fallback).
		Bool("duplicate", state.Duplicate).
		Bool("materialized", state.Transaction != nil).
		Msg("Receipt ingested")

	return &IngestResult{
		Record:      state.Record,
		Fallback:    state.Sanitized.Fallback,
		Duplicate:   state.Duplicate,
		Transaction: state.Transaction,
		Reason:      state.Sanitized.Reason,
		ArchiveURI:  state.ArchiveURI,
	}, nil
}
