package domain

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMerchantName is used when the provider returns no usable merchant.
	DefaultMerchantName = "Unknown Merchant"

	// DefaultItemCategory is assigned to line items without a category.
	DefaultItemCategory = "General"

	// SyntheticItemName names the single line item inserted when a receipt has none.
	SyntheticItemName = "Receipt Total"

	// FallbackConfidence is the confidence carried by fallback records.
	FallbackConfidence = 0.1

	// FallbackReceiptIDPrefix prefixes generated ids of fallback records.
	FallbackReceiptIDPrefix = "receipt_fallback_"

	// GeneratedReceiptIDPrefix prefixes ids generated when the provider omits one.
	GeneratedReceiptIDPrefix = "receipt_"
)

// SyncState tracks a record's position in the remote reconciliation state machine.
type SyncState string

const (
	// SyncStateUnsynced means the record has not been acknowledged by the remote store.
	SyncStateUnsynced SyncState = "unsynced"
	// SyncStateSyncing means a reconciler has claimed the record and a push is in flight.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateSynced means the remote store acknowledged the record.
	SyncStateSynced SyncState = "synced"
)

// LineItem is a single purchased item on a receipt.
type LineItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Category  string          `json:"category"`
}

// Total returns UnitPrice * Quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// ReceiptRecord is the structured result of OCR extraction from one receipt image.
// ReceiptID is the natural key and is unique per user.
type ReceiptRecord struct {
	ID        string // internal id
	ReceiptID string
	UserID    string

	TotalAmount  decimal.Decimal
	MerchantName string
	Date         civil.Date
	Location     *string
	Confidence   float64
	LineItems    []LineItem

	// NeedsReview is set for fallback and low-confidence records so the user
	// gets a placeholder to edit.
	NeedsReview bool

	Processed   bool
	ProcessedAt *time.Time

	SyncState SyncState
	SyncedAt  *time.Time
	RemoteID  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Synced reports whether the remote store has acknowledged the record.
func (r *ReceiptRecord) Synced() bool {
	return r.SyncState == SyncStateSynced
}

// ItemsTotal sums the line item totals.
func (r *ReceiptRecord) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range r.LineItems {
		sum = sum.Add(li.Total())
	}
	return sum
}

// Validate checks the record invariants every stored receipt must hold.
func (r *ReceiptRecord) Validate() error {
	if strings.TrimSpace(r.ReceiptID) == "" {
		return fmt.Errorf("receipt: empty receipt_id")
	}
	if strings.TrimSpace(r.MerchantName) == "" {
		return fmt.Errorf("receipt %s: empty merchant_name", r.ReceiptID)
	}
	if r.TotalAmount.IsNegative() {
		return fmt.Errorf("receipt %s: negative total_amount %s", r.ReceiptID, r.TotalAmount)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("receipt %s: confidence %v out of [0,1]", r.ReceiptID, r.Confidence)
	}
	if !r.Date.IsValid() {
		return fmt.Errorf("receipt %s: invalid date", r.ReceiptID)
	}
	if len(r.LineItems) == 0 {
		return fmt.Errorf("receipt %s: no line items", r.ReceiptID)
	}
	for i, li := range r.LineItems {
		if li.UnitPrice.IsNegative() {
			return fmt.Errorf("receipt %s: item %d has negative price", r.ReceiptID, i)
		}
		if li.Quantity < 1 {
			return fmt.Errorf("receipt %s: item %d has quantity %d", r.ReceiptID, i, li.Quantity)
		}
	}
	return nil
}

// SyntheticLineItem builds the placeholder item used when a receipt has no items.
func SyntheticLineItem(total decimal.Decimal) LineItem {
	return LineItem{
		Name:      SyntheticItemName,
		UnitPrice: total,
		Quantity:  1,
		Category:  DefaultItemCategory,
	}
}
