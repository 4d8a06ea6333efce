// Package api assembles the HTTP surface: receipt ingestion, ledger reads,
// sync control and job status.
package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/receipt-ledger/internal/api/handlers"
	"github.com/dvloznov/receipt-ledger/internal/api/middleware"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/ttlcache"
)

// Deps are the services behind the routes.
type Deps struct {
	Ingestor     handlers.Ingestor
	Receipts     handlers.ReceiptLister
	Materializer handlers.Materializer
	Ledger       handlers.Ledger
	Pending      handlers.PendingCounter
	Publisher    jobs.Publisher
	Jobs         jobs.JobStore

	// Idempotency replays ingestion responses; nil disables it.
	Idempotency   *ttlcache.Cache[string, handlers.CachedResponse]
	DefaultUserID string

	Log zerolog.Logger
	Now func() time.Time
}

// NewRouter builds the mux and wraps it in the middleware chain.
func NewRouter(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}

	receipts := handlers.NewReceiptsHandler(d.Ingestor, d.Receipts, d.Materializer, d.Publisher, d.Idempotency, d.DefaultUserID)
	transactions := handlers.NewTransactionsHandler(d.Ledger, d.DefaultUserID)
	syncH := handlers.NewSyncHandler(d.Publisher, d.Pending, d.DefaultUserID)
	jobsH := handlers.NewJobsHandler(d.Jobs)

	mux := http.NewServeMux()

	// Receipts endpoints
	mux.HandleFunc("POST /api/receipts", receipts.Ingest)
	mux.HandleFunc("GET /api/receipts", receipts.ListReceipts)
	mux.HandleFunc("POST /api/receipts/{receipt_id}/materialize", receipts.Materialize)

	// Ledger endpoints
	mux.HandleFunc("GET /api/transactions", transactions.ListTransactions)
	mux.HandleFunc("GET /api/categories", transactions.ListCategories)

	// Sync endpoints
	mux.HandleFunc("POST /api/sync", syncH.EnqueueSync)
	mux.HandleFunc("GET /api/sync/pending", syncH.Pending)

	// Jobs endpoints
	mux.HandleFunc("GET /api/jobs", jobsH.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", jobsH.GetJob)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   d.Now().Format(time.RFC3339),
		})
	})

	return middleware.Chain(mux,
		middleware.Recovery(d.Log),
		middleware.RequestID,
		middleware.Logger(d.Log),
		middleware.CORS,
	)
}
