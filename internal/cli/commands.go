package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/dvloznov/receipt-ledger/internal/app"
	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/export"
	"github.com/dvloznov/receipt-ledger/internal/infra/bigquery"
	"github.com/dvloznov/receipt-ledger/internal/pipeline"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(root *RootOptions) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "ingest <image>",
		Short: "Ingest a receipt image",
		Long: `Run one receipt image through OCR and store the resulting record.

<image> is a file path, a data URI or bare base64 text, or the gs:// URI of
an archived image. Provider failures still store a placeholder record
flagged for review.

Example:
  receipts ingest ./lunch.jpg
  receipts ingest gs://receipts-archive/receipts/u1/2024/03/01/abc.png --user u1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := ingest(s, args[0], mimeType)
			if err != nil {
				if errors.Is(err, domain.ErrMalformedImage) {
					return WrapExitError(ExitCommandError, "image rejected", err)
				}
				return WrapExitError(ExitFailure, "ingestion failed", err)
			}
			return s.out.Print(ingestOutput(res), func(w io.Writer) { printIngest(w, res) })
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "declared MIME type of a file image")
	return cmd
}

func ingest(s *session, arg, mimeType string) (*pipeline.IngestResult, error) {
	switch {
	case strings.HasPrefix(arg, "gs://"):
		if s.svc.Archiver == nil {
			return nil, errors.New("archive.bucket is not configured")
		}
		data, err := s.svc.Archiver.Fetch(s.ctx, arg)
		if err != nil {
			return nil, err
		}
		return s.svc.Ingestor.IngestBytes(s.ctx, s.userID, data, mimeType)
	case strings.HasPrefix(strings.ToLower(arg), "data:"):
		return s.svc.Ingestor.Ingest(s.ctx, s.userID, arg)
	}

	if _, err := os.Stat(arg); err == nil {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		return s.svc.Ingestor.IngestBytes(s.ctx, s.userID, data, mimeType)
	}
	return s.svc.Ingestor.Ingest(s.ctx, s.userID, arg)
}

func ingestOutput(res *pipeline.IngestResult) map[string]interface{} {
	out := map[string]interface{}{
		"receipt":   export.ReceiptRows([]*domain.ReceiptRecord{res.Record})[0],
		"fallback":  res.Fallback,
		"duplicate": res.Duplicate,
	}
	if res.Reason != nil {
		out["reason"] = res.Reason.Error()
	}
	if res.Transaction != nil {
		out["transaction"] = export.TransactionRows([]*domain.TransactionRecord{res.Transaction})[0]
	}
	if res.ArchiveURI != "" {
		out["archive_uri"] = res.ArchiveURI
	}
	return out
}

func printIngest(w io.Writer, res *pipeline.IngestResult) {
	rec := res.Record
	status := "stored"
	if res.Duplicate {
		status = "already stored"
	}
	fmt.Fprintf(w, "Receipt %s %s: %s %s on %s\n", rec.ReceiptID, status, rec.MerchantName, rec.TotalAmount.StringFixed(2), rec.Date)
	if res.Fallback {
		fmt.Fprintf(w, "  placeholder record, needs review: %v\n", res.Reason)
	}
	if res.Transaction != nil {
		fmt.Fprintf(w, "  transaction %s in %s\n", res.Transaction.ID, res.Transaction.Category)
	}
}

// NewMaterializeCommand creates the materialize command.
func NewMaterializeCommand(root *RootOptions) *cobra.Command {
	var pending bool

	cmd := &cobra.Command{
		Use:   "materialize [receipt-id]",
		Short: "Derive ledger transactions from stored receipts",
		Long: `Create the ledger transaction for one receipt, or for every unprocessed
receipt of the user with --pending. Receipts already materialized return
their existing transaction.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending == (len(args) == 1) {
				return WrapExitError(ExitCommandError, "pass a receipt id or --pending", nil)
			}
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if !pending {
				txn, err := s.svc.Materializer.Materialize(s.ctx, s.userID, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "materialization failed", err)
				}
				row := export.TransactionRows([]*domain.TransactionRecord{txn})[0]
				return s.out.Print(row, func(w io.Writer) {
					fmt.Fprintf(w, "Transaction %s: %s %s in %s\n", row.ID, row.Merchant, row.Amount, row.Category)
				})
			}

			report, err := s.svc.Materializer.MaterializePending(s.ctx, s.userID)
			if err != nil {
				return WrapExitError(ExitFailure, "materialization failed", err)
			}
			failed := errorStrings(report.Failed)
			err = s.out.Print(map[string]interface{}{
				"materialized": export.TransactionRows(report.Materialized),
				"failed":       failed,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "Materialized %d receipts, %d failed\n", len(report.Materialized), len(failed))
				printFailures(w, failed)
			})
			if err == nil && len(failed) > 0 {
				err = WrapExitError(ExitFailure, fmt.Sprintf("%d receipts failed", len(failed)), nil)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&pending, "pending", false, "materialize every unprocessed receipt")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(root *RootOptions) *cobra.Command {
	var allUsers bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced records to the remote store",
		Long: `Run one reconciliation pass. Records that fail to push stay unsynced and
are retried by the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			users := []string{s.userID}
			if allUsers {
				if users, err = s.svc.Users(s.ctx); err != nil {
					return WrapExitError(ExitFailure, "failed to list users", err)
				}
			}

			type userReport struct {
				UserID    string            `json:"user_id"`
				Attempted int               `json:"attempted"`
				Synced    int               `json:"synced"`
				Skipped   int               `json:"skipped"`
				Failed    map[string]string `json:"failed"`
			}
			var (
				reports  []userReport
				failures int
			)
			for _, u := range users {
				r, err := s.svc.Reconciler.Run(s.ctx, u)
				if err != nil {
					return WrapExitError(ExitFailure, "sync failed for "+u, err)
				}
				reports = append(reports, userReport{u, r.Attempted, r.Synced, r.Skipped, errorStrings(r.Failed)})
				failures += len(r.Failed)
			}

			err = s.out.Print(reports, func(w io.Writer) {
				for _, r := range reports {
					fmt.Fprintf(w, "%s: attempted=%d synced=%d skipped=%d failed=%d\n",
						r.UserID, r.Attempted, r.Synced, r.Skipped, len(r.Failed))
					printFailures(w, r.Failed)
				}
			})
			if err == nil && failures > 0 {
				err = WrapExitError(ExitFailure, fmt.Sprintf("%d records failed to sync", failures), domain.ErrRemoteSyncFailure)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&allUsers, "all", false, "sync every user with local records")
	return cmd
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Count records awaiting sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			p, err := s.svc.Reconciler.PendingCount(s.ctx, s.userID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count pending records", err)
			}
			return s.out.Print(pendingOutput(s.userID, p), func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d receipts and %d transactions pending\n", s.userID, p.Receipts, p.Transactions)
			})
		},
	}
}

func pendingOutput(userID string, p reconciler.Pending) map[string]interface{} {
	return map[string]interface{}{
		"user_id":      userID,
		"receipts":     p.Receipts,
		"transactions": p.Transactions,
		"total":        p.Total(),
	}
}

// NewExportCommand creates the export command.
func NewExportCommand(root *RootOptions) *cobra.Command {
	var (
		output    string
		delimiter string
	)

	cmd := &cobra.Command{
		Use:       "export <transactions|receipts>",
		Short:     "Write the ledger or receipts as CSV",
		Long:      `Export transactions from the configured storage backend, or receipt records from the local store, as CSV.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"transactions", "receipts"},
		RunE: func(cmd *cobra.Command, args []string) error {
			delim, size := utf8.DecodeRuneInString(delimiter)
			if size == 0 || size != len(delimiter) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("delimiter must be one character, got %q", delimiter), nil)
			}

			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to create output file", err)
				}
				defer f.Close()
				w = f
			}

			opts := export.Options{Delimiter: delim}
			var writeErr error
			switch args[0] {
			case "transactions":
				txns, err := s.svc.Backend.ListTransactions(s.ctx, s.userID)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list transactions", err)
				}
				writeErr = export.WriteTransactions(w, txns, opts)
			default:
				recs, err := s.svc.Store.ListReceipts(s.ctx, s.userID, 0)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list receipts", err)
				}
				writeErr = export.WriteReceipts(w, recs, opts)
			}
			if err := writeErr; err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", "field delimiter")
	return cmd
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(root *RootOptions) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage backend schema",
		Long: `Create missing tables of the configured storage backend. The local store
applies its schema when opened; the bigquery backend creates its dataset
tables. --print writes the bigquery DDL without connecting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				cfg, err := app.LoadConfig(root.ConfigFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to load configuration", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(bigquery.Schema(cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)))
				return nil
			}

			s, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			backend := s.svc.Config.Storage.Backend
			if ensurer, ok := s.svc.Backend.(interface{ EnsureSchema(context.Context) error }); ok {
				if err := ensurer.EnsureSchema(s.ctx); err != nil {
					return WrapExitError(ExitFailure, "schema migration failed", err)
				}
			}
			return s.out.Print(map[string]string{"backend": backend}, func(w io.Writer) {
				fmt.Fprintf(w, "Schema of the %s backend is up to date\n", backend)
			})
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the bigquery DDL and exit")
	return cmd
}

func errorStrings(failed map[string]error) map[string]string {
	out := make(map[string]string, len(failed))
	for k, err := range failed {
		out[k] = err.Error()
	}
	return out
}

func printFailures(w io.Writer, failed map[string]string) {
	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, failed[k])
	}
}
