package notion

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

// MockService is a mock implementation of Service for testing.
type MockService struct {
	CreatePageFunc func(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error)
	UpdatePageFunc func(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error)
}

func (m *MockService) CreatePage(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
	return m.CreatePageFunc(ctx, databaseID, properties)
}

func (m *MockService) UpdatePage(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
	return m.UpdatePageFunc(ctx, pageID, properties)
}

func transactionPayload() *reconciler.WirePayload {
	loc := "Main St 1"
	return reconciler.TransactionPayload(&domain.TransactionRecord{
		UserID:       "u1",
		Amount:       decimal.RequireFromString("45.50"),
		Category:     "Food",
		MerchantName: "Cafe X",
		Date:         civil.Date{Year: 2024, Month: 3, Day: 1},
		Note:         "Receipt from Cafe X (1 item)",
		Location:     &loc,
		LineItems:    []domain.LineItem{{Name: "Coffee", UnitPrice: decimal.RequireFromString("45.50"), Quantity: 2, Category: "Food"}},
		Tags:         []string{"receipt", "a,b"},
	}, "r1")
}

func TestPayloadToProperties(t *testing.T) {
	props, err := PayloadToProperties(KindTransaction, transactionPayload())
	require.NoError(t, err)

	title := props[PropReceiptID].(notionapi.TitleProperty)
	assert.Equal(t, "r1", title.Title[0].Text.Content)
	assert.Equal(t, 45.5, props[PropAmount].(notionapi.NumberProperty).Number)
	assert.Equal(t, "Food", props[PropCategory].(notionapi.SelectProperty).Select.Name)
	assert.Equal(t, KindTransaction, props[PropKind].(notionapi.SelectProperty).Select.Name)

	date := props[PropDate].(notionapi.DateProperty)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Time(*date.Date.Start))

	items := props[PropItems].(notionapi.RichTextProperty)
	assert.Equal(t, "Coffee x2 @ 45.5", items.RichText[0].Text.Content)

	tags := props[PropTags].(notionapi.MultiSelectProperty)
	require.Len(t, tags.MultiSelect, 2)
	assert.Equal(t, "a b", tags.MultiSelect[1].Name)
}

func TestPayloadToProperties_Sparse(t *testing.T) {
	p := &reconciler.WirePayload{TotalAmount: "0", MerchantName: domain.DefaultMerchantName, Date: "not-a-date"}

	props, err := PayloadToProperties(KindReceipt, p)
	require.NoError(t, err)
	assert.Equal(t, "manual", props[PropReceiptID].(notionapi.TitleProperty).Title[0].Text.Content)
	for _, name := range []string{PropDate, PropCategory, PropNotes, PropLocation, PropItems, PropTags} {
		assert.NotContains(t, props, name)
	}

	p.TotalAmount = "abc"
	_, err = PayloadToProperties(KindReceipt, p)
	assert.Error(t, err)
}

func TestRemote_CreateThenUpdate(t *testing.T) {
	var created, updated int
	svc := &MockService{
		CreatePageFunc: func(ctx context.Context, databaseID string, properties notionapi.Properties) (*notionapi.Page, error) {
			assert.Equal(t, "db-1", databaseID)
			created++
			return &notionapi.Page{ID: "page-1"}, nil
		},
		UpdatePageFunc: func(ctx context.Context, pageID string, properties notionapi.Properties) (*notionapi.Page, error) {
			assert.Equal(t, "page-1", pageID)
			updated++
			return &notionapi.Page{ID: notionapi.ObjectID(pageID)}, nil
		},
	}
	r := NewRemote(svc, "db-1")
	ctx := context.Background()

	id, err := r.PushTransaction(ctx, transactionPayload(), "")
	require.NoError(t, err)
	assert.Equal(t, "page-1", id)

	id, err = r.PushTransaction(ctx, transactionPayload(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", id)

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)
}

func TestRemote_Errors(t *testing.T) {
	svc := &MockService{
		CreatePageFunc: func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
			return nil, errors.New("rate limited")
		},
	}
	_, err := NewRemote(svc, "db-1").PushReceipt(context.Background(), transactionPayload())
	assert.ErrorContains(t, err, "rate limited")

	svc.CreatePageFunc = func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
		return &notionapi.Page{}, nil
	}
	_, err = NewRemote(svc, "db-1").PushReceipt(context.Background(), transactionPayload())
	assert.Error(t, err)
}

func TestRemote_MissingPageIsNotFound(t *testing.T) {
	svc := &MockService{
		UpdatePageFunc: func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
			return nil, &notionapi.Error{Status: 404, Code: "object_not_found", Message: "Could not find page"}
		},
	}
	_, err := NewRemote(svc, "db-1").PushTransaction(context.Background(), transactionPayload(), "page-gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	svc.UpdatePageFunc = func(context.Context, string, notionapi.Properties) (*notionapi.Page, error) {
		return nil, &notionapi.Error{Status: 500, Message: "boom"}
	}
	_, err = NewRemote(svc, "db-1").PushTransaction(context.Background(), transactionPayload(), "page-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}
