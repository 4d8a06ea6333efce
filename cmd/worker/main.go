package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/receipt-ledger/internal/app"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

func main() {
	configFile := flag.String("config", "", "config file (default: ./config.yaml)")
	flag.Parse()

	cfg, err := app.LoadConfig(*configFile)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log := app.NewLogger(cfg)

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	svc, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer svc.Close()

	// Materialize leftovers first so their transactions go out in the same pass
	users := svc.Users
	if cfg.Sync.AutoMaterialize {
		users = func(ctx context.Context) ([]string, error) {
			ids, err := svc.Users(ctx)
			for _, id := range ids {
				report, mErr := svc.Materializer.MaterializePending(ctx, id)
				if mErr != nil {
					log.Error().Err(mErr).Str("user_id", id).Msg("Failed to materialize pending receipts")
					continue
				}
				if n := len(report.Materialized); n > 0 {
					log.Info().Int("count", n).Str("user_id", id).Msg("Materialized pending receipts")
				}
			}
			return ids, err
		}
	}

	log.Info().
		Dur("interval", cfg.SyncInterval()).
		Int("workers", cfg.Sync.Workers).
		Bool("auto_materialize", cfg.Sync.AutoMaterialize).
		Msg("Starting sync worker")

	if err := svc.Reconciler.Loop(ctx, users, cfg.SyncInterval()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Sync loop stopped")
	}

	log.Info().Msg("Sync worker exited")
}
