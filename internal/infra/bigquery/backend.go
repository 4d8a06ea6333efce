// Package bigquery is the warehouse storage strategy: users, transactions,
// categories and tags live in BigQuery tables and are changed with
// parameterized DML.
package bigquery

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
)

const defaultDataset = "finance"

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Backend holds a shared BigQuery client for all operations.
type Backend struct {
	client    *bigquery.Client
	projectID string
	dataset   string
	now       func() time.Time
}

// NewBackend creates a client for projectID. An empty dataset means "finance".
func NewBackend(ctx context.Context, projectID, dataset string) (*Backend, error) {
	if dataset == "" {
		dataset = defaultDataset
	}
	if !identifierRe.MatchString(projectID) || !identifierRe.MatchString(dataset) {
		return nil, fmt.Errorf("NewBackend: invalid project %q or dataset %q", projectID, dataset)
	}

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBackend: creating client: %w", err)
	}
	return &Backend{client: client, projectID: projectID, dataset: dataset, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (b *Backend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// table returns the quoted, fully qualified table name.
func (b *Backend) table(name string) string {
	return tableName(b.projectID, b.dataset, name)
}

func tableName(projectID, dataset, name string) string {
	return "`" + projectID + "." + dataset + "." + name + "`"
}

// exec runs a DML statement and returns the number of affected rows.
func (b *Backend) exec(ctx context.Context, op, sql string, params ...bigquery.QueryParameter) (int64, error) {
	q := b.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, storageErr(op, fmt.Errorf("run query: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, storageErr(op, fmt.Errorf("wait for job: %w", err))
	}
	if err := status.Err(); err != nil {
		return 0, storageErr(op, fmt.Errorf("job error: %w", err))
	}

	var affected int64
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			affected = qs.NumDMLAffectedRows
		}
	}
	log := logger.FromContext(ctx)
	log.Debug().Str("op", op).Int64("affected", affected).Msg("BigQuery DML completed")
	return affected, nil
}

// read runs a query and calls next for every row until iterator.Done.
func (b *Backend) read(ctx context.Context, op, sql string, params []bigquery.QueryParameter, next func(it *bigquery.RowIterator) error) error {
	q := b.client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return storageErr(op, fmt.Errorf("query read: %w", err))
	}
	for {
		err := next(it)
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return storageErr(op, fmt.Errorf("iter next: %w", err))
		}
	}
}

// requireFresh turns a zero-row UPDATE into NotFound or ErrStaleWrite.
func (b *Backend) requireFresh(ctx context.Context, affected int64, table, idColumn, kind, id string) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	err := b.read(ctx, "check "+kind,
		`SELECT COUNT(*) > 0 AS found FROM `+b.table(table)+` WHERE `+idColumn+` = @id`,
		[]bigquery.QueryParameter{{Name: "id", Value: id}},
		func(it *bigquery.RowIterator) error {
			var row struct {
				Found bool `bigquery:"found"`
			}
			if err := it.Next(&row); err != nil {
				return err
			}
			exists = row.Found
			return nil
		})
	if err != nil {
		return err
	}
	if !exists {
		return &domain.NotFoundError{Kind: kind, Key: id}
	}
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrStaleWrite)
}

func (b *Backend) deleteByID(ctx context.Context, table, idColumn, kind, id string) error {
	n, err := b.exec(ctx, "delete "+kind,
		`DELETE FROM `+b.table(table)+` WHERE `+idColumn+` = @id`,
		bigquery.QueryParameter{Name: "id", Value: id})
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: kind, Key: id}
	}
	return nil
}

// stamp fills a missing id and timestamps.
func (b *Backend) stamp(id *string, created, updated *time.Time) {
	now := b.now().UTC()
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}

func storageErr(op string, err error) error {
	return &domain.StorageError{Op: "bigquery: " + op, Err: err}
}
