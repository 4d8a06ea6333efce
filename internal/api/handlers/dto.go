package handlers

import (
	"time"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

type lineItemJSON struct {
	Name     string `json:"name"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
	Category string `json:"category"`
}

type receiptJSON struct {
	ID           string         `json:"id"`
	ReceiptID    string         `json:"receipt_id"`
	UserID       string         `json:"user_id"`
	TotalAmount  string         `json:"total_amount"`
	MerchantName string         `json:"merchant_name"`
	Date         string         `json:"date"`
	Location     *string        `json:"location"`
	Confidence   float64        `json:"confidence"`
	Items        []lineItemJSON `json:"items"`
	NeedsReview  bool           `json:"needs_review"`
	Processed    bool           `json:"processed"`
	SyncState    string         `json:"sync_state"`
	RemoteID     *string        `json:"remote_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type transactionJSON struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Amount          string         `json:"amount"`
	Category        string         `json:"category"`
	MerchantName    string         `json:"merchant_name"`
	Date            string         `json:"date"`
	Note            string         `json:"note"`
	Location        *string        `json:"location"`
	Items           []lineItemJSON `json:"items"`
	Tags            []string       `json:"tags"`
	SourceReceiptID *string        `json:"source_receipt_id"`
	SyncState       string         `json:"sync_state"`
	RemoteID        *string        `json:"remote_id,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type categoryJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func toItemsJSON(items []domain.LineItem) []lineItemJSON {
	out := make([]lineItemJSON, 0, len(items))
	for _, li := range items {
		out = append(out, lineItemJSON{
			Name:     li.Name,
			Price:    li.UnitPrice.StringFixed(2),
			Quantity: li.Quantity,
			Category: li.Category,
		})
	}
	return out
}

func toReceiptJSON(r *domain.ReceiptRecord) receiptJSON {
	return receiptJSON{
		ID:           r.ID,
		ReceiptID:    r.ReceiptID,
		UserID:       r.UserID,
		TotalAmount:  r.TotalAmount.StringFixed(2),
		MerchantName: r.MerchantName,
		Date:         r.Date.String(),
		Location:     r.Location,
		Confidence:   r.Confidence,
		Items:        toItemsJSON(r.LineItems),
		NeedsReview:  r.NeedsReview,
		Processed:    r.Processed,
		SyncState:    string(r.SyncState),
		RemoteID:     r.RemoteID,
		CreatedAt:    r.CreatedAt,
	}
}

func toTransactionJSON(t *domain.TransactionRecord) transactionJSON {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return transactionJSON{
		ID:              t.ID,
		UserID:          t.UserID,
		Amount:          t.Amount.StringFixed(2),
		Category:        t.Category,
		MerchantName:    t.MerchantName,
		Date:            t.Date.String(),
		Note:            t.Note,
		Location:        t.Location,
		Items:           toItemsJSON(t.LineItems),
		Tags:            tags,
		SourceReceiptID: t.SourceReceiptID,
		SyncState:       string(t.SyncState),
		RemoteID:        t.RemoteID,
		UpdatedAt:       t.UpdatedAt,
	}
}
