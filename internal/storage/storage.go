// Package storage defines the backend boundary for users, transactions,
// categories and tags, and selects the configured strategy.
package storage

import (
	"context"
	"fmt"

	"github.com/dvloznov/receipt-ledger/internal/config"
	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/infra/bigquery"
	"github.com/dvloznov/receipt-ledger/internal/infra/remote"
	"github.com/dvloznov/receipt-ledger/internal/infra/sqlite"
)

// Backend is implemented by every storage strategy. Callers depend on this
// interface only.
type Backend interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
	DeleteUser(ctx context.Context, id string) error

	CreateTransaction(ctx context.Context, txn *domain.TransactionRecord) error
	GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error)
	UpdateTransaction(ctx context.Context, txn *domain.TransactionRecord) error
	DeleteTransaction(ctx context.Context, id string) error
	ListTransactions(ctx context.Context, userID string) ([]*domain.TransactionRecord, error)

	CreateCategory(ctx context.Context, c *domain.Category) error
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	UpdateCategory(ctx context.Context, c *domain.Category) error
	DeleteCategory(ctx context.Context, id string) error
	ListCategories(ctx context.Context, userID string) ([]*domain.Category, error)

	CreateTag(ctx context.Context, t *domain.Tag) error
	GetTag(ctx context.Context, id string) (*domain.Tag, error)
	UpdateTag(ctx context.Context, t *domain.Tag) error
	DeleteTag(ctx context.Context, id string) error
	ListTags(ctx context.Context, userID string) ([]*domain.Tag, error)

	Close() error
}

var (
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*remote.Client)(nil)
	_ Backend = (*bigquery.Backend)(nil)
)

// Strategy names accepted in storage.backend.
const (
	StrategyLocal    = "local"
	StrategyREST     = "rest"
	StrategyBigQuery = "bigquery"
)

// Open returns the backend named by cfg.Storage.Backend. The local strategy
// serves from local, which stays owned by the caller: closing the returned
// backend does not close it.
func Open(ctx context.Context, cfg *config.Config, local *sqlite.Store) (Backend, error) {
	switch cfg.Storage.Backend {
	case StrategyLocal, "":
		if local == nil {
			return nil, fmt.Errorf("Open: local strategy needs an open store")
		}
		return sharedStore{local}, nil
	case StrategyREST:
		return remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.RemoteTimeout()), nil
	case StrategyBigQuery:
		b, err := bigquery.NewBackend(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
		if err != nil {
			return nil, fmt.Errorf("Open: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("Open: unknown storage backend %q", cfg.Storage.Backend)
	}
}

type sharedStore struct {
	*sqlite.Store
}

func (sharedStore) Close() error { return nil }
