package reconciler

import (
	"encoding/json"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// WireItem is a line item as sent to the remote store.
type WireItem struct {
	Name     string      `json:"name"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
	Category string      `json:"category"`
}

// WirePayload is the outbound body for both receipts and transactions.
// Amounts are encoded as JSON numbers.
type WirePayload struct {
	UserID       string      `json:"user_id,omitempty"`
	TotalAmount  json.Number `json:"total_amount"`
	MerchantName string      `json:"merchant_name"`
	Date         string      `json:"date"`
	Location     *string     `json:"location"`
	ReceiptID    string      `json:"receipt_id"`
	Category     *string     `json:"category"`
	Notes        *string     `json:"notes"`
	Items        []WireItem  `json:"items"`
	Tags         []string    `json:"tags,omitempty"`
}

// ReceiptPayload builds the wire body for a receipt record.
func ReceiptPayload(rec *domain.ReceiptRecord) *WirePayload {
	return &WirePayload{
		UserID:       rec.UserID,
		TotalAmount:  json.Number(rec.TotalAmount.String()),
		MerchantName: rec.MerchantName,
		Date:         rec.Date.String(),
		Location:     rec.Location,
		ReceiptID:    rec.ReceiptID,
		Items:        wireItems(rec.LineItems),
	}
}

// TransactionPayload builds the wire body for a ledger entry. receiptID is
// the natural id of the source receipt, empty for manual entries.
func TransactionPayload(txn *domain.TransactionRecord, receiptID string) *WirePayload {
	return &WirePayload{
		UserID:       txn.UserID,
		TotalAmount:  json.Number(txn.Amount.String()),
		MerchantName: txn.MerchantName,
		Date:         txn.Date.String(),
		Location:     txn.Location,
		ReceiptID:    receiptID,
		Category:     optional(txn.Category),
		Notes:        optional(txn.Note),
		Items:        wireItems(txn.LineItems),
		Tags:         txn.Tags,
	}
}

func wireItems(items []domain.LineItem) []WireItem {
	out := make([]WireItem, 0, len(items))
	for _, li := range items {
		out = append(out, WireItem{
			Name:     li.Name,
			Price:    json.Number(li.UnitPrice.String()),
			Quantity: li.Quantity,
			Category: li.Category,
		})
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
