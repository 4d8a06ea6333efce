// Package app wires the configured services shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/receipt-ledger/internal/config"
	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/imagenorm"
	"github.com/dvloznov/receipt-ledger/internal/infra/gcs"
	"github.com/dvloznov/receipt-ledger/internal/infra/notion"
	"github.com/dvloznov/receipt-ledger/internal/infra/remote"
	"github.com/dvloznov/receipt-ledger/internal/infra/sqlite"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/materializer"
	"github.com/dvloznov/receipt-ledger/internal/ocr"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
	"github.com/dvloznov/receipt-ledger/internal/sanitize"
	"github.com/dvloznov/receipt-ledger/internal/storage"
)

// Services holds everything built from one Config. Archiver is nil when no
// archive bucket is configured.
type Services struct {
	Config       *config.Config
	Log          zerolog.Logger
	Store        *sqlite.Store
	Backend      storage.Backend
	OCR          *ocr.Client
	Archiver     *gcs.Archiver
	Materializer *materializer.Materializer
	Ingestor     *pipeline.Ingestor
	Reconciler   *reconciler.Reconciler

	closers []func() error
}

// LoadConfig reads .env and the layered configuration.
func LoadConfig(configFile string) (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	return config.Load(configFile)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// Build opens the local store and wires the services on top of it. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *Services, err error) {
	s := &Services{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.Store, err = sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	s.closers = append(s.closers, s.Store.Close)

	s.Backend, err = storage.Open(ctx, cfg, s.Store)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}
	s.closers = append(s.closers, s.Backend.Close)

	s.OCR, err = ocr.NewClientFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	if cfg.Archive.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		s.Archiver = gcs.NewArchiver(client, cfg.Archive.Bucket)
	} else {
		log.Debug().Msg("No archive bucket configured, receipt images will not be archived")
	}

	s.Materializer = materializer.New(s.Store, nil)

	deps := pipeline.Deps{
		Extractor: s.OCR,
		Sanitizer: sanitize.New(cfg.OCR.LowConfidence, cfg.OCR.MinConfidence),
		Store:     s.Store,
		ImageOptions: imagenorm.Options{
			MinEncodedChars: cfg.Image.MinEncodedChars,
			MinDecodedBytes: cfg.Image.MinDecodedBytes,
			MaxDecodedBytes: cfg.Image.MaxDecodedBytes,
		},
	}
	if s.Archiver != nil {
		deps.Archiver = s.Archiver
	}
	if cfg.Sync.AutoMaterialize {
		deps.Materializer = s.Materializer
	}
	s.Ingestor = pipeline.NewIngestor(deps)

	var rem reconciler.Remote = unconfiguredRemote{}
	if cfg.RemoteConfigured() {
		if rem, err = NewRemote(cfg); err != nil {
			return nil, fmt.Errorf("Build: %w", err)
		}
	} else {
		log.Warn().Msg("No remote store configured, records will stay unsynced")
	}
	s.Reconciler = reconciler.New(s.Store, rem, reconciler.Options{
		BatchSize:   cfg.Sync.BatchSize,
		Workers:     cfg.Sync.Workers,
		Lease:       cfg.SyncLease(),
		PushTimeout: cfg.RemoteTimeout(),
	})

	return s, nil
}

// Close releases everything Build opened, last opened first.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

var errNoRemote = errors.New("no remote store configured")

// NewRemote returns the sync target named by remote.kind.
func NewRemote(cfg *config.Config) (reconciler.Remote, error) {
	switch cfg.Remote.Kind {
	case "rest", "":
		return remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.RemoteTimeout()), nil
	case "notion":
		return notion.NewRemote(notion.NewSDKClient(cfg.Remote.NotionToken), cfg.Remote.NotionDatabaseID), nil
	default:
		return nil, fmt.Errorf("NewRemote: unknown remote kind %q", cfg.Remote.Kind)
	}
}

// unconfiguredRemote fails every push so records stay unsynced until a
// remote is configured.
type unconfiguredRemote struct{}

func (unconfiguredRemote) PushReceipt(_ context.Context, p *reconciler.WirePayload) (string, error) {
	return "", &domain.RemoteSyncError{Kind: "receipt", RecordID: p.ReceiptID, Err: errNoRemote}
}

func (unconfiguredRemote) PushTransaction(_ context.Context, p *reconciler.WirePayload, _ string) (string, error) {
	return "", &domain.RemoteSyncError{Kind: "transaction", Err: errNoRemote}
}

// Users lists every user with local records; it feeds reconciler.Loop.
func (s *Services) Users(ctx context.Context) ([]string, error) {
	return s.Store.ListUserIDs(ctx)
}
