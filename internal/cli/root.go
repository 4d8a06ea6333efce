// Package cli implements the receipts command line tool.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/receipt-ledger/internal/app"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	UserID     string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Receipt ingestion and ledger sync",
		Long: `Ingest receipt images into the local ledger, materialize transactions
and reconcile them with the remote store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default: ./config.yaml)")
	cmd.PersistentFlags().StringVarP(&opts.UserID, "user", "u", "", "user id (default: user.default_id)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewMaterializeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	return cmd
}

// session is an opened command environment.
type session struct {
	ctx    context.Context
	svc    *app.Services
	userID string
	out    *OutputFormatter
}

// open loads configuration and builds the services. Logs go to the
// command's error stream so stdout stays parseable.
func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := app.LoadConfig(o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := zerolog.WarnLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	log := logger.NewWithWriter(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.RFC3339}).Level(level)

	ctx := logger.WithContext(cmd.Context(), log)
	svc, err := app.Build(ctx, cfg, log)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}

	userID := o.UserID
	if userID == "" {
		userID = cfg.User.DefaultID
	}
	return &session{
		ctx:    ctx,
		svc:    svc,
		userID: userID,
		out:    &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()},
	}, nil
}

func (s *session) Close() {
	if err := s.svc.Close(); err != nil {
		log := logger.FromContext(s.ctx)
		log.Warn().Err(err).Msg("Failed to close services")
	}
}
