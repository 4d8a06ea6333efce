package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// Remote stores receipts and transactions as pages of one Notion database.
type Remote struct {
	svc        Service
	databaseID string
}

var _ reconciler.Remote = (*Remote)(nil)

// NewRemote returns a Remote writing to databaseID.
func NewRemote(svc Service, databaseID string) *Remote {
	return &Remote{svc: svc, databaseID: databaseID}
}

// PushReceipt creates a page for the receipt.
func (r *Remote) PushReceipt(ctx context.Context, payload *reconciler.WirePayload) (string, error) {
	return r.push(ctx, KindReceipt, payload, "")
}

// PushTransaction creates a page, or updates the page remoteID.
func (r *Remote) PushTransaction(ctx context.Context, payload *reconciler.WirePayload, remoteID string) (string, error) {
	return r.push(ctx, KindTransaction, payload, remoteID)
}

func (r *Remote) push(ctx context.Context, kind string, payload *reconciler.WirePayload, pageID string) (string, error) {
	log := logger.FromContext(ctx)

	props, err := PayloadToProperties(kind, payload)
	if err != nil {
		return "", err
	}

	if pageID != "" {
		if _, err := r.svc.UpdatePage(ctx, pageID, props); err != nil {
			var apiErr *notionapi.Error
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return "", &domain.NotFoundError{Kind: kind, Key: pageID}
			}
			return "", fmt.Errorf("push %s: %w", kind, err)
		}
		log.Debug().Str("page_id", pageID).Str("receipt_id", payload.ReceiptID).Msg("Updated Notion page")
		return pageID, nil
	}

	page, err := r.svc.CreatePage(ctx, r.databaseID, props)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", kind, err)
	}
	if page == nil || page.ID == "" {
		return "", errors.New("notion returned a page without id")
	}
	log.Debug().Str("page_id", string(page.ID)).Str("receipt_id", payload.ReceiptID).Msg("Created Notion page")
	return string(page.ID), nil
}
