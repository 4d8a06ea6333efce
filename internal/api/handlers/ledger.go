package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dvloznov/receipt-ledger/internal/api/middleware"
	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// Ledger lists ledger entries and categories. storage.Backend satisfies it.
type Ledger interface {
	ListTransactions(ctx context.Context, userID string) ([]*domain.TransactionRecord, error)
	ListCategories(ctx context.Context, userID string) ([]*domain.Category, error)
}

// PendingCounter reports how many records await sync.
type PendingCounter interface {
	PendingCount(ctx context.Context, userID string) (reconciler.Pending, error)
}

// TransactionsHandler handles ledger endpoints.
type TransactionsHandler struct {
	ledger        Ledger
	defaultUserID string
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(ledger Ledger, defaultUserID string) *TransactionsHandler {
	return &TransactionsHandler{ledger: ledger, defaultUserID: defaultUserID}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.ledger.ListTransactions(r.Context(), userID(r, h.defaultUserID))
	if err != nil {
		writeDomainError(w, r, err, "Failed to list transactions")
		return
	}

	// Return array directly for frontend compatibility
	out := make([]transactionJSON, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransactionJSON(t))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

// ListCategories handles GET /api/categories
func (h *TransactionsHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.ledger.ListCategories(r.Context(), userID(r, h.defaultUserID))
	if err != nil {
		writeDomainError(w, r, err, "Failed to list categories")
		return
	}

	out := make([]categoryJSON, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryJSON{ID: c.ID, Name: c.Name, Kind: string(c.Kind)})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": out,
		"count":      len(out),
	})
}

// SyncHandler handles reconciliation endpoints.
type SyncHandler struct {
	publisher     jobs.Publisher
	pending       PendingCounter
	defaultUserID string
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(publisher jobs.Publisher, pending PendingCounter, defaultUserID string) *SyncHandler {
	return &SyncHandler{publisher: publisher, pending: pending, defaultUserID: defaultUserID}
}

// EnqueueSync handles POST /api/sync
func (h *SyncHandler) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = userID(r, h.defaultUserID)
	}
	if req.UserID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	job := &jobs.Job{Type: jobs.JobTypeSyncUser, UserID: req.UserID}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		writeDomainError(w, r, err, "Failed to enqueue sync job")
		return
	}
	log := logger.FromContext(r.Context())
	log.Info().Str("job_id", job.JobID).Str("user_id", req.UserID).Msg("Sync job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  job.JobID,
		"user_id": req.UserID,
		"status":  string(job.Status),
	})
}

// Pending handles GET /api/sync/pending
func (h *SyncHandler) Pending(w http.ResponseWriter, r *http.Request) {
	user := userID(r, h.defaultUserID)
	p, err := h.pending.PendingCount(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, err, "Failed to count pending records")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      user,
		"receipts":     p.Receipts,
		"transactions": p.Transactions,
		"total":        p.Total(),
	})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		UserID: query.Get("user_id"),
		Type:   jobs.JobType(query.Get("type")),
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  intParam(r, "limit"),
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err, "Failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
