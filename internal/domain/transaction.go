package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// TransactionRecord is a canonical ledger entry.
// Amount is signed: positive for money spent, negative for income or refunds.
// At most one TransactionRecord carries a given non-nil SourceReceiptID.
type TransactionRecord struct {
	ID     string
	UserID string

	Amount       decimal.Decimal
	Category     string
	MerchantName string
	Date         civil.Date
	Note         string
	Location     *string
	LineItems    []LineItem
	Tags         []string

	// SourceReceiptID is the internal id of the ReceiptRecord this
	// transaction was materialized from.
	SourceReceiptID *string

	SyncState SyncState
	SyncedAt  *time.Time
	RemoteID  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpense reports whether the transaction is money spent.
func (t *TransactionRecord) IsExpense() bool {
	return t.Amount.IsPositive()
}

// Synced reports whether the remote store has acknowledged the transaction.
func (t *TransactionRecord) Synced() bool {
	return t.SyncState == SyncStateSynced
}

// User owns receipts, transactions, categories and tags.
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CategoryKind distinguishes spending categories from income categories.
type CategoryKind string

const (
	CategoryKindExpense CategoryKind = "expense"
	CategoryKindIncome  CategoryKind = "income"
)

// Category is a user-defined ledger category.
type Category struct {
	ID        string
	UserID    string
	Name      string
	Kind      CategoryKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tag is a free-form label attached to transactions.
type Tag struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
