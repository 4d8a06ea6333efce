package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/api/middleware"
	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/ttlcache"
)

// Ingestor runs the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, userID, image string) (*pipeline.IngestResult, error)
}

// ReceiptLister reads receipt records.
type ReceiptLister interface {
	ListReceipts(ctx context.Context, userID string, limit int) ([]*domain.ReceiptRecord, error)
	ListUnprocessed(ctx context.Context, userID string) ([]*domain.ReceiptRecord, error)
	ListUnsynced(ctx context.Context, userID string, limit int) ([]*domain.ReceiptRecord, error)
}

// Materializer derives ledger transactions.
type Materializer interface {
	Materialize(ctx context.Context, userID, receiptID string) (*domain.TransactionRecord, error)
}

// CachedResponse is a stored ingestion reply replayed for a repeated
// Idempotency-Key.
type CachedResponse struct {
	Status int
	Body   []byte
}

// ReceiptsHandler handles receipt endpoints.
type ReceiptsHandler struct {
	ingestor      Ingestor
	receipts      ReceiptLister
	materializer  Materializer
	publisher     jobs.Publisher
	idempotency   *ttlcache.Cache[string, CachedResponse]
	defaultUserID string
}

// NewReceiptsHandler creates a receipts handler. idempotency may be nil to
// disable replay.
func NewReceiptsHandler(ingestor Ingestor, receipts ReceiptLister, materializer Materializer, publisher jobs.Publisher,
	idempotency *ttlcache.Cache[string, CachedResponse], defaultUserID string) *ReceiptsHandler {
	return &ReceiptsHandler{
		ingestor:      ingestor,
		receipts:      receipts,
		materializer:  materializer,
		publisher:     publisher,
		idempotency:   idempotency,
		defaultUserID: defaultUserID,
	}
}

type ingestRequest struct {
	UserID string `json:"user_id"`
	Image  string `json:"image"`
	// Async enqueues an ingest job instead of waiting for the provider.
	Async bool `json:"async"`
}

type ingestResponse struct {
	Receipt     receiptJSON      `json:"receipt"`
	Fallback    bool             `json:"fallback"`
	Duplicate   bool             `json:"duplicate"`
	Reason      string           `json:"reason,omitempty"`
	Transaction *transactionJSON `json:"transaction,omitempty"`
}

// Ingest handles POST /api/receipts
func (h *ReceiptsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = h.defaultUserID
	}
	if strings.TrimSpace(req.UserID) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Image) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "image is required")
		return
	}

	cacheKey := ""
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && h.idempotency != nil {
		cacheKey = req.UserID + "\x00" + key
		if cached, ok := h.idempotency.Get(cacheKey); ok {
			log := logger.FromContext(r.Context())
			log.Debug().Str("idempotency_key", key).Msg("Replaying ingestion response")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.Status)
			w.Write(cached.Body)
			return
		}
	}

	status, body, ok := h.ingest(w, r, req)
	if !ok {
		return
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		writeDomainError(w, r, err, "Failed to encode response")
		return
	}
	if cacheKey != "" {
		h.idempotency.Set(cacheKey, CachedResponse{Status: status, Body: encoded})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(encoded)
}

// ingest runs or enqueues the ingestion. It writes error responses itself
// and reports ok=false when it did.
func (h *ReceiptsHandler) ingest(w http.ResponseWriter, r *http.Request, req ingestRequest) (int, interface{}, bool) {
	ctx := r.Context()

	if req.Async {
		if h.publisher == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "Background jobs are disabled")
			return 0, nil, false
		}
		job := &jobs.Job{Type: jobs.JobTypeIngestReceipt, UserID: req.UserID, Image: req.Image}
		if err := h.publisher.Publish(ctx, job); err != nil {
			writeDomainError(w, r, err, "Failed to enqueue ingestion job")
			return 0, nil, false
		}
		log := logger.FromContext(ctx)
		log.Info().Str("job_id", job.JobID).Str("user_id", req.UserID).Msg("Ingestion job enqueued")
		return http.StatusAccepted, map[string]string{"job_id": job.JobID, "status": string(job.Status)}, true
	}

	res, err := h.ingestor.Ingest(ctx, req.UserID, req.Image)
	if err != nil {
		writeDomainError(w, r, err, "Failed to ingest receipt")
		return 0, nil, false
	}

	resp := ingestResponse{
		Receipt:   toReceiptJSON(res.Record),
		Fallback:  res.Fallback,
		Duplicate: res.Duplicate,
	}
	if res.Reason != nil {
		resp.Reason = res.Reason.Error()
	}
	if res.Transaction != nil {
		t := toTransactionJSON(res.Transaction)
		resp.Transaction = &t
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return status, resp, true
}

// ListReceipts handles GET /api/receipts?user_id=&state=unprocessed|unsynced
func (h *ReceiptsHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := userID(r, h.defaultUserID)
	limit := intParam(r, "limit")

	var (
		list []*domain.ReceiptRecord
		err  error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "":
		list, err = h.receipts.ListReceipts(ctx, user, limit)
	case "unprocessed":
		list, err = h.receipts.ListUnprocessed(ctx, user)
	case "unsynced":
		list, err = h.receipts.ListUnsynced(ctx, user, limit)
	default:
		middleware.WriteError(w, http.StatusBadRequest, "state must be unprocessed or unsynced")
		return
	}
	if err != nil {
		writeDomainError(w, r, err, "Failed to list receipts")
		return
	}

	out := make([]receiptJSON, 0, len(list))
	for _, rec := range list {
		out = append(out, toReceiptJSON(rec))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": out,
		"count":    len(out),
	})
}

// Materialize handles POST /api/receipts/{receipt_id}/materialize
func (h *ReceiptsHandler) Materialize(w http.ResponseWriter, r *http.Request) {
	receiptID := r.PathValue("receipt_id")
	if receiptID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Receipt ID is required")
		return
	}

	txn, err := h.materializer.Materialize(r.Context(), userID(r, h.defaultUserID), receiptID)
	if err != nil {
		writeDomainError(w, r, err, "Failed to materialize receipt")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toTransactionJSON(txn))
}
