package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

type userDTO struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type transactionDTO struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Category        string            `json:"category"`
	MerchantName    string            `json:"merchant_name"`
	Date            civil.Date        `json:"date"`
	Note            string            `json:"notes"`
	Location        *string           `json:"location"`
	Items           []domain.LineItem `json:"items"`
	Tags            []string          `json:"tags"`
	SourceReceiptID *string           `json:"source_receipt_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type categoryDTO struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	Kind      domain.CategoryKind `json:"kind"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type tagDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserDTO(u *domain.User) userDTO {
	return userDTO{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
}

func (d userDTO) into(u *domain.User) {
	*u = domain.User{ID: d.ID, Email: d.Email, DisplayName: d.DisplayName, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func toTransactionDTO(t *domain.TransactionRecord) transactionDTO {
	return transactionDTO{
		ID:              t.ID,
		UserID:          t.UserID,
		Amount:          t.Amount,
		Category:        t.Category,
		MerchantName:    t.MerchantName,
		Date:            t.Date,
		Note:            t.Note,
		Location:        t.Location,
		Items:           t.LineItems,
		Tags:            t.Tags,
		SourceReceiptID: t.SourceReceiptID,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// into copies the remote view over t. Remote records are by definition
// acknowledged, so they carry the synced state.
func (d transactionDTO) into(t *domain.TransactionRecord) {
	remoteID := d.ID
	*t = domain.TransactionRecord{
		ID:              d.ID,
		UserID:          d.UserID,
		Amount:          d.Amount,
		Category:        d.Category,
		MerchantName:    d.MerchantName,
		Date:            d.Date,
		Note:            d.Note,
		Location:        d.Location,
		LineItems:       d.Items,
		Tags:            d.Tags,
		SourceReceiptID: d.SourceReceiptID,
		SyncState:       domain.SyncStateSynced,
		RemoteID:        &remoteID,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func toCategoryDTO(c *domain.Category) categoryDTO {
	return categoryDTO{ID: c.ID, UserID: c.UserID, Name: c.Name, Kind: c.Kind, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func (d categoryDTO) into(c *domain.Category) {
	*c = domain.Category{ID: d.ID, UserID: d.UserID, Name: d.Name, Kind: d.Kind, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func toTagDTO(t *domain.Tag) tagDTO {
	return tagDTO{ID: t.ID, UserID: t.UserID, Name: t.Name, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func (d tagDTO) into(t *domain.Tag) {
	*t = domain.Tag{ID: d.ID, UserID: d.UserID, Name: d.Name, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

func itemPath(collection, id string) string {
	return "/" + collection + "/" + url.PathEscape(id)
}

func listPath(collection, userID string) string {
	return "/" + collection + "?" + url.Values{"user_id": {userID}}.Encode()
}

// Users

func (c *Client) CreateUser(ctx context.Context, u *domain.User) error {
	var out userDTO
	if err := c.call(ctx, http.MethodPost, "/users", "user", u.ID, toUserDTO(u), &out); err != nil {
		return err
	}
	out.into(u)
	return nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var out userDTO
	if err := c.call(ctx, http.MethodGet, itemPath("users", id), "user", id, nil, &out); err != nil {
		return nil, err
	}
	u := &domain.User{}
	out.into(u)
	return u, nil
}

func (c *Client) UpdateUser(ctx context.Context, u *domain.User) error {
	return c.call(ctx, http.MethodPut, itemPath("users", u.ID), "user", u.ID, toUserDTO(u), nil)
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, itemPath("users", id), "user", id, nil, nil)
}

// Transactions

func (c *Client) CreateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	var out transactionDTO
	if err := c.call(ctx, http.MethodPost, "/transactions", "transaction", txn.ID, toTransactionDTO(txn), &out); err != nil {
		return err
	}
	out.into(txn)
	return nil
}

func (c *Client) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	var out transactionDTO
	if err := c.call(ctx, http.MethodGet, itemPath("transactions", id), "transaction", id, nil, &out); err != nil {
		return nil, err
	}
	txn := &domain.TransactionRecord{}
	out.into(txn)
	return txn, nil
}

func (c *Client) UpdateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	return c.call(ctx, http.MethodPut, itemPath("transactions", txn.ID), "transaction", txn.ID, toTransactionDTO(txn), nil)
}

func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, itemPath("transactions", id), "transaction", id, nil, nil)
}

func (c *Client) ListTransactions(ctx context.Context, userID string) ([]*domain.TransactionRecord, error) {
	var out []transactionDTO
	if err := c.call(ctx, http.MethodGet, listPath("transactions", userID), "transactions", userID, nil, &out); err != nil {
		return nil, err
	}
	list := make([]*domain.TransactionRecord, len(out))
	for i, d := range out {
		list[i] = &domain.TransactionRecord{}
		d.into(list[i])
	}
	return list, nil
}

// Categories

func (c *Client) CreateCategory(ctx context.Context, cat *domain.Category) error {
	var out categoryDTO
	if err := c.call(ctx, http.MethodPost, "/categories", "category", cat.Name, toCategoryDTO(cat), &out); err != nil {
		return err
	}
	out.into(cat)
	return nil
}

func (c *Client) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var out categoryDTO
	if err := c.call(ctx, http.MethodGet, itemPath("categories", id), "category", id, nil, &out); err != nil {
		return nil, err
	}
	cat := &domain.Category{}
	out.into(cat)
	return cat, nil
}

func (c *Client) UpdateCategory(ctx context.Context, cat *domain.Category) error {
	return c.call(ctx, http.MethodPut, itemPath("categories", cat.ID), "category", cat.ID, toCategoryDTO(cat), nil)
}

func (c *Client) DeleteCategory(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, itemPath("categories", id), "category", id, nil, nil)
}

func (c *Client) ListCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	var out []categoryDTO
	if err := c.call(ctx, http.MethodGet, listPath("categories", userID), "categories", userID, nil, &out); err != nil {
		return nil, err
	}
	list := make([]*domain.Category, len(out))
	for i, d := range out {
		list[i] = &domain.Category{}
		d.into(list[i])
	}
	return list, nil
}

// Tags

func (c *Client) CreateTag(ctx context.Context, t *domain.Tag) error {
	var out tagDTO
	if err := c.call(ctx, http.MethodPost, "/tags", "tag", t.Name, toTagDTO(t), &out); err != nil {
		return err
	}
	out.into(t)
	return nil
}

func (c *Client) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	var out tagDTO
	if err := c.call(ctx, http.MethodGet, itemPath("tags", id), "tag", id, nil, &out); err != nil {
		return nil, err
	}
	t := &domain.Tag{}
	out.into(t)
	return t, nil
}

func (c *Client) UpdateTag(ctx context.Context, t *domain.Tag) error {
	return c.call(ctx, http.MethodPut, itemPath("tags", t.ID), "tag", t.ID, toTagDTO(t), nil)
}

func (c *Client) DeleteTag(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, itemPath("tags", id), "tag", id, nil, nil)
}

func (c *Client) ListTags(ctx context.Context, userID string) ([]*domain.Tag, error) {
	var out []tagDTO
	if err := c.call(ctx, http.MethodGet, listPath("tags", userID), "tags", userID, nil, &out); err != nil {
		return nil, err
	}
	list := make([]*domain.Tag, len(out))
	for i, d := range out {
		list[i] = &domain.Tag{}
		d.into(list[i])
	}
	return list, nil
}
