package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// numericScale is the fractional precision of BigQuery NUMERIC.
const numericScale = 9

type UserRow struct {
	UserID      string    `bigquery:"user_id"`      // REQUIRED
	Email       string    `bigquery:"email"`        // NULLABLE
	DisplayName string    `bigquery:"display_name"` // NULLABLE
	CreatedTS   time.Time `bigquery:"created_ts"`   // REQUIRED
	UpdatedTS   time.Time `bigquery:"updated_ts"`   // REQUIRED
}

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	UserID        string `bigquery:"user_id"`        // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED
	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC

	CategoryName bigquery.NullString `bigquery:"category_name"` // NULLABLE
	MerchantName bigquery.NullString `bigquery:"merchant_name"` // NULLABLE
	Note         bigquery.NullString `bigquery:"note"`          // NULLABLE
	Location     bigquery.NullString `bigquery:"location"`      // NULLABLE

	// LineItemsJSON holds the receipt line items as a JSON array.
	LineItemsJSON string `bigquery:"line_items_json"` // REQUIRED, '[]' when none

	SourceReceiptID bigquery.NullString `bigquery:"source_receipt_id"` // NULLABLE

	Tags []string `bigquery:"tags"` // REPEATED STRING

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

type CategoryRow struct {
	CategoryID   string    `bigquery:"category_id"`   // REQUIRED
	UserID       string    `bigquery:"user_id"`       // REQUIRED
	CategoryName string    `bigquery:"category_name"` // REQUIRED
	Kind         string    `bigquery:"kind"`          // REQUIRED, expense or income
	CreatedTS    time.Time `bigquery:"created_ts"`    // REQUIRED
	UpdatedTS    time.Time `bigquery:"updated_ts"`    // REQUIRED
}

type TagRow struct {
	TagID     string    `bigquery:"tag_id"`     // REQUIRED
	UserID    string    `bigquery:"user_id"`    // REQUIRED
	TagName   string    `bigquery:"tag_name"`   // REQUIRED
	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullStringPtr(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func stringPtr(ns bigquery.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.StringVal
	return &s
}

func toUserRow(u *domain.User) *UserRow {
	return &UserRow{
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedTS:   u.CreatedAt,
		UpdatedTS:   u.UpdatedAt,
	}
}

func (r *UserRow) toDomain() *domain.User {
	return &domain.User{
		ID:          r.UserID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedTS,
		UpdatedAt:   r.UpdatedTS,
	}
}

// toTransactionRow converts a ledger entry. The warehouse keeps no sync
// state: rows written here are the system of record.
func toTransactionRow(t *domain.TransactionRecord) (*TransactionRow, error) {
	items := t.LineItems
	if items == nil {
		items = []domain.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding line items: %w", err)
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}

	return &TransactionRow{
		TransactionID:   t.ID,
		UserID:          t.UserID,
		TransactionDate: t.Date,
		Amount:          t.Amount.Rat(),
		CategoryName:    nullString(t.Category),
		MerchantName:    nullString(t.MerchantName),
		Note:            nullString(t.Note),
		Location:        nullStringPtr(t.Location),
		LineItemsJSON:   string(itemsJSON),
		SourceReceiptID: nullStringPtr(t.SourceReceiptID),
		Tags:            tags,
		CreatedTS:       t.CreatedAt,
		UpdatedTS:       t.UpdatedAt,
	}, nil
}

func (r *TransactionRow) toDomain() (*domain.TransactionRecord, error) {
	amount := decimal.Zero
	if r.Amount != nil {
		var err error
		if amount, err = decimal.NewFromString(r.Amount.FloatString(numericScale)); err != nil {
			return nil, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
		}
	}

	var items []domain.LineItem
	if r.LineItemsJSON != "" {
		if err := json.Unmarshal([]byte(r.LineItemsJSON), &items); err != nil {
			return nil, fmt.Errorf("transaction %s: line items: %w", r.TransactionID, err)
		}
	}
	if items == nil {
		items = []domain.LineItem{}
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}

	return &domain.TransactionRecord{
		ID:              r.TransactionID,
		UserID:          r.UserID,
		Amount:          amount,
		Category:        r.CategoryName.StringVal,
		MerchantName:    r.MerchantName.StringVal,
		Date:            r.TransactionDate,
		Note:            r.Note.StringVal,
		Location:        stringPtr(r.Location),
		LineItems:       items,
		Tags:            tags,
		SourceReceiptID: stringPtr(r.SourceReceiptID),
		SyncState:       domain.SyncStateSynced,
		CreatedAt:       r.CreatedTS,
		UpdatedAt:       r.UpdatedTS,
	}, nil
}

func toCategoryRow(c *domain.Category) *CategoryRow {
	return &CategoryRow{
		CategoryID:   c.ID,
		UserID:       c.UserID,
		CategoryName: c.Name,
		Kind:         string(c.Kind),
		CreatedTS:    c.CreatedAt,
		UpdatedTS:    c.UpdatedAt,
	}
}

func (r *CategoryRow) toDomain() *domain.Category {
	return &domain.Category{
		ID:        r.CategoryID,
		UserID:    r.UserID,
		Name:      r.CategoryName,
		Kind:      domain.CategoryKind(r.Kind),
		CreatedAt: r.CreatedTS,
		UpdatedAt: r.UpdatedTS,
	}
}

func toTagRow(t *domain.Tag) *TagRow {
	return &TagRow{
		TagID:     t.ID,
		UserID:    t.UserID,
		TagName:   t.Name,
		CreatedTS: t.CreatedAt,
		UpdatedTS: t.UpdatedAt,
	}
}

func (r *TagRow) toDomain() *domain.Tag {
	return &domain.Tag{
		ID:        r.TagID,
		UserID:    r.UserID,
		Name:      r.TagName,
		CreatedAt: r.CreatedTS,
		UpdatedAt: r.UpdatedTS,
	}
}
