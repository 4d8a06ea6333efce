package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/api"
	"github.com/dvloznov/receipt-ledger/internal/api/handlers"
	"github.com/dvloznov/receipt-ledger/internal/app"
	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/jobs/inmemory"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/ttlcache"
)

func main() {
	// Parse command-line flags
	var (
		configFile = flag.String("config", "", "config file (default: ./config.yaml)")
		port       = flag.String("port", "", "HTTP server port (overrides api.port)")
	)
	flag.Parse()

	cfg, err := app.LoadConfig(*configFile)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.API.Port = *port
	}

	// Initialize logger
	log := app.NewLogger(cfg)
	ctx := logger.WithContext(context.Background(), log)

	svc, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer svc.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore, inmemory.WithWorkers(cfg.Sync.Workers))

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	runner := &jobs.Runner{
		Ingestor:     svc.Ingestor,
		Materializer: svc.Materializer,
		Syncer:       svc.Reconciler,
	}
	log.Info().Msg("Starting job worker")
	if err := jobQueue.Start(workerCtx, runner.Handle); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	// Replay cache for Idempotency-Key, swept on the same period as its TTL
	idempotency := ttlcache.New[string, handlers.CachedResponse](cfg.IdempotencyTTL())
	go func() {
		ticker := time.NewTicker(cfg.IdempotencyTTL())
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := idempotency.Sweep(); n > 0 {
					log.Debug().Int("expired", n).Msg("Swept idempotency cache")
				}
			}
		}
	}()

	handler := api.NewRouter(api.Deps{
		Ingestor:      svc.Ingestor,
		Receipts:      svc.Store,
		Materializer:  svc.Materializer,
		Ledger:        svc.Backend,
		Pending:       svc.Reconciler,
		Publisher:     jobQueue,
		Jobs:          jobStore,
		Idempotency:   idempotency,
		DefaultUserID: cfg.User.DefaultID,
		Log:           log,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OCRTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().
			Str("port", cfg.API.Port).
			Str("ocr_provider", svc.OCR.Provider()).
			Str("storage_backend", cfg.Storage.Backend).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs
	cancelWorker()
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	// Close job queue
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
