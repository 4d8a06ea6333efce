package bigquery

import (
	"context"
	"fmt"
	"slices"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

const (
	usersTable        = "users"
	transactionsTable = "transactions"
	categoriesTable   = "categories"
	tagsTable         = "tags"
)

const transactionColumns = `
	transaction_id, user_id, transaction_date, amount, category_name, merchant_name,
	note, location, line_items_json, source_receipt_id, tags, created_ts, updated_ts`

func transactionParams(r *TransactionRow) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "transaction_id", Value: r.TransactionID},
		{Name: "user_id", Value: r.UserID},
		{Name: "transaction_date", Value: r.TransactionDate},
		{Name: "amount", Value: r.Amount},
		{Name: "category_name", Value: r.CategoryName},
		{Name: "merchant_name", Value: r.MerchantName},
		{Name: "note", Value: r.Note},
		{Name: "location", Value: r.Location},
		{Name: "line_items_json", Value: r.LineItemsJSON},
		{Name: "source_receipt_id", Value: r.SourceReceiptID},
		{Name: "tags", Value: r.Tags},
		{Name: "created_ts", Value: r.CreatedTS},
		{Name: "updated_ts", Value: r.UpdatedTS},
	}
}

// without drops parameters a statement does not reference.
func without(params []bigquery.QueryParameter, names ...string) []bigquery.QueryParameter {
	out := params[:0:0]
	for _, p := range params {
		if !slices.Contains(names, p.Name) {
			out = append(out, p)
		}
	}
	return out
}

// Users

func (b *Backend) CreateUser(ctx context.Context, u *domain.User) error {
	b.stamp(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	r := toUserRow(u)
	_, err := b.exec(ctx, "create user", `
		INSERT INTO `+b.table(usersTable)+` (user_id, email, display_name, created_ts, updated_ts)
		VALUES (@user_id, @email, @display_name, @created_ts, @updated_ts)
	`,
		bigquery.QueryParameter{Name: "user_id", Value: r.UserID},
		bigquery.QueryParameter{Name: "email", Value: r.Email},
		bigquery.QueryParameter{Name: "display_name", Value: r.DisplayName},
		bigquery.QueryParameter{Name: "created_ts", Value: r.CreatedTS},
		bigquery.QueryParameter{Name: "updated_ts", Value: r.UpdatedTS},
	)
	return err
}

func (b *Backend) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var found *UserRow
	err := b.read(ctx, "get user", `
		SELECT user_id, email, display_name, created_ts, updated_ts
		FROM `+b.table(usersTable)+` WHERE user_id = @id LIMIT 1
	`, []bigquery.QueryParameter{{Name: "id", Value: id}}, func(it *bigquery.RowIterator) error {
		var r UserRow
		if err := it.Next(&r); err != nil {
			return err
		}
		found = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &domain.NotFoundError{Kind: "user", Key: id}
	}
	return found.toDomain(), nil
}

func (b *Backend) UpdateUser(ctx context.Context, u *domain.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = b.now().UTC()
	}
	n, err := b.exec(ctx, "update user", `
		UPDATE `+b.table(usersTable)+`
		SET email = @email, display_name = @display_name, updated_ts = @updated_ts
		WHERE user_id = @user_id AND updated_ts <= @updated_ts
	`,
		bigquery.QueryParameter{Name: "user_id", Value: u.ID},
		bigquery.QueryParameter{Name: "email", Value: u.Email},
		bigquery.QueryParameter{Name: "display_name", Value: u.DisplayName},
		bigquery.QueryParameter{Name: "updated_ts", Value: u.UpdatedAt},
	)
	if err != nil {
		return err
	}
	return b.requireFresh(ctx, n, usersTable, "user_id", "user", u.ID)
}

func (b *Backend) DeleteUser(ctx context.Context, id string) error {
	return b.deleteByID(ctx, usersTable, "user_id", "user", id)
}

// Transactions

func (b *Backend) CreateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	b.stamp(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
	r, err := toTransactionRow(txn)
	if err != nil {
		return storageErr("create transaction", err)
	}
	_, err = b.exec(ctx, "create transaction", `
		INSERT INTO `+b.table(transactionsTable)+` (`+transactionColumns+`)
		VALUES (@transaction_id, @user_id, @transaction_date, @amount, @category_name, @merchant_name,
		        @note, @location, @line_items_json, @source_receipt_id, @tags, @created_ts, @updated_ts)
	`, transactionParams(r)...)
	if err != nil {
		return err
	}
	txn.SyncState = domain.SyncStateSynced
	return nil
}

func (b *Backend) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	list, err := b.listTransactions(ctx, "get transaction", `
		SELECT `+transactionColumns+` FROM `+b.table(transactionsTable)+`
		WHERE transaction_id = @id LIMIT 1
	`, bigquery.QueryParameter{Name: "id", Value: id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "transaction", Key: id}
	}
	return list[0], nil
}

// UpdateTransaction applies last-writer-wins: a write older than the stored
// row fails with ErrStaleWrite.
func (b *Backend) UpdateTransaction(ctx context.Context, txn *domain.TransactionRecord) error {
	if txn.UpdatedAt.IsZero() {
		txn.UpdatedAt = b.now().UTC()
	}
	r, err := toTransactionRow(txn)
	if err != nil {
		return storageErr("update transaction", err)
	}
	n, err := b.exec(ctx, "update transaction", `
		UPDATE `+b.table(transactionsTable)+`
		SET transaction_date = @transaction_date, amount = @amount, category_name = @category_name,
		    merchant_name = @merchant_name, note = @note, location = @location,
		    line_items_json = @line_items_json, tags = @tags, updated_ts = @updated_ts
		WHERE transaction_id = @transaction_id AND updated_ts <= @updated_ts
	`, without(transactionParams(r), "user_id", "source_receipt_id", "created_ts")...)
	if err != nil {
		return err
	}
	return b.requireFresh(ctx, n, transactionsTable, "transaction_id", "transaction", txn.ID)
}

func (b *Backend) DeleteTransaction(ctx context.Context, id string) error {
	return b.deleteByID(ctx, transactionsTable, "transaction_id", "transaction", id)
}

// ListTransactions returns the user's transactions, newest first.
func (b *Backend) ListTransactions(ctx context.Context, userID string) ([]*domain.TransactionRecord, error) {
	return b.listTransactions(ctx, "list transactions", `
		SELECT `+transactionColumns+` FROM `+b.table(transactionsTable)+`
		WHERE user_id = @user_id
		ORDER BY transaction_date DESC, created_ts DESC
	`, bigquery.QueryParameter{Name: "user_id", Value: userID})
}

func (b *Backend) listTransactions(ctx context.Context, op, sql string, params ...bigquery.QueryParameter) ([]*domain.TransactionRecord, error) {
	list := []*domain.TransactionRecord{}
	err := b.read(ctx, op, sql, params, func(it *bigquery.RowIterator) error {
		var r TransactionRow
		if err := it.Next(&r); err != nil {
			return err
		}
		txn, err := r.toDomain()
		if err != nil {
			return err
		}
		list = append(list, txn)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Categories

func (b *Backend) CreateCategory(ctx context.Context, c *domain.Category) error {
	if c.Kind == "" {
		c.Kind = domain.CategoryKindExpense
	}
	b.stamp(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	r := toCategoryRow(c)
	n, err := b.exec(ctx, "create category", `
		INSERT INTO `+b.table(categoriesTable)+` (category_id, user_id, category_name, kind, created_ts, updated_ts)
		SELECT @category_id, @user_id, @category_name, @kind, @created_ts, @updated_ts
		FROM UNNEST([1])
		WHERE NOT EXISTS (
			SELECT 1 FROM `+b.table(categoriesTable)+`
			WHERE user_id = @user_id AND category_name = @category_name
		)
	`,
		bigquery.QueryParameter{Name: "category_id", Value: r.CategoryID},
		bigquery.QueryParameter{Name: "user_id", Value: r.UserID},
		bigquery.QueryParameter{Name: "category_name", Value: r.CategoryName},
		bigquery.QueryParameter{Name: "kind", Value: r.Kind},
		bigquery.QueryParameter{Name: "created_ts", Value: r.CreatedTS},
		bigquery.QueryParameter{Name: "updated_ts", Value: r.UpdatedTS},
	)
	if err != nil {
		return err
	}
	return requireInserted(n, "category", r.CategoryName)
}

func (b *Backend) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	list, err := b.listCategories(ctx, "get category", `
		SELECT category_id, user_id, category_name, kind, created_ts, updated_ts
		FROM `+b.table(categoriesTable)+` WHERE category_id = @id LIMIT 1
	`, bigquery.QueryParameter{Name: "id", Value: id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "category", Key: id}
	}
	return list[0], nil
}

func (b *Backend) UpdateCategory(ctx context.Context, c *domain.Category) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = b.now().UTC()
	}
	n, err := b.exec(ctx, "update category", `
		UPDATE `+b.table(categoriesTable)+`
		SET category_name = @category_name, kind = @kind, updated_ts = @updated_ts
		WHERE category_id = @category_id AND updated_ts <= @updated_ts
	`,
		bigquery.QueryParameter{Name: "category_id", Value: c.ID},
		bigquery.QueryParameter{Name: "category_name", Value: c.Name},
		bigquery.QueryParameter{Name: "kind", Value: string(c.Kind)},
		bigquery.QueryParameter{Name: "updated_ts", Value: c.UpdatedAt},
	)
	if err != nil {
		return err
	}
	return b.requireFresh(ctx, n, categoriesTable, "category_id", "category", c.ID)
}

func (b *Backend) DeleteCategory(ctx context.Context, id string) error {
	return b.deleteByID(ctx, categoriesTable, "category_id", "category", id)
}

func (b *Backend) ListCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	return b.listCategories(ctx, "list categories", `
		SELECT category_id, user_id, category_name, kind, created_ts, updated_ts
		FROM `+b.table(categoriesTable)+` WHERE user_id = @user_id
		ORDER BY category_name
	`, bigquery.QueryParameter{Name: "user_id", Value: userID})
}

func (b *Backend) listCategories(ctx context.Context, op, sql string, params ...bigquery.QueryParameter) ([]*domain.Category, error) {
	list := []*domain.Category{}
	err := b.read(ctx, op, sql, params, func(it *bigquery.RowIterator) error {
		var r CategoryRow
		if err := it.Next(&r); err != nil {
			return err
		}
		list = append(list, r.toDomain())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Tags

func (b *Backend) CreateTag(ctx context.Context, t *domain.Tag) error {
	b.stamp(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	r := toTagRow(t)
	n, err := b.exec(ctx, "create tag", `
		INSERT INTO `+b.table(tagsTable)+` (tag_id, user_id, tag_name, created_ts, updated_ts)
		SELECT @tag_id, @user_id, @tag_name, @created_ts, @updated_ts
		FROM UNNEST([1])
		WHERE NOT EXISTS (
			SELECT 1 FROM `+b.table(tagsTable)+` WHERE user_id = @user_id AND tag_name = @tag_name
		)
	`,
		bigquery.QueryParameter{Name: "tag_id", Value: r.TagID},
		bigquery.QueryParameter{Name: "user_id", Value: r.UserID},
		bigquery.QueryParameter{Name: "tag_name", Value: r.TagName},
		bigquery.QueryParameter{Name: "created_ts", Value: r.CreatedTS},
		bigquery.QueryParameter{Name: "updated_ts", Value: r.UpdatedTS},
	)
	if err != nil {
		return err
	}
	return requireInserted(n, "tag", r.TagName)
}

func requireInserted(n int64, kind, name string) error {
	if n == 0 {
		return storageErr("create "+kind, fmt.Errorf("%s %q already exists", kind, name))
	}
	return nil
}

func (b *Backend) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	list, err := b.listTags(ctx, "get tag", `
		SELECT tag_id, user_id, tag_name, created_ts, updated_ts
		FROM `+b.table(tagsTable)+` WHERE tag_id = @id LIMIT 1
	`, bigquery.QueryParameter{Name: "id", Value: id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &domain.NotFoundError{Kind: "tag", Key: id}
	}
	return list[0], nil
}

func (b *Backend) UpdateTag(ctx context.Context, t *domain.Tag) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = b.now().UTC()
	}
	n, err := b.exec(ctx, "update tag", `
		UPDATE `+b.table(tagsTable)+`
		SET tag_name = @tag_name, updated_ts = @updated_ts
		WHERE tag_id = @tag_id AND updated_ts <= @updated_ts
	`,
		bigquery.QueryParameter{Name: "tag_id", Value: t.ID},
		bigquery.QueryParameter{Name: "tag_name", Value: t.Name},
		bigquery.QueryParameter{Name: "updated_ts", Value: t.UpdatedAt},
	)
	if err != nil {
		return err
	}
	return b.requireFresh(ctx, n, tagsTable, "tag_id", "tag", t.ID)
}

func (b *Backend) DeleteTag(ctx context.Context, id string) error {
	return b.deleteByID(ctx, tagsTable, "tag_id", "tag", id)
}

func (b *Backend) ListTags(ctx context.Context, userID string) ([]*domain.Tag, error) {
	return b.listTags(ctx, "list tags", `
		SELECT tag_id, user_id, tag_name, created_ts, updated_ts
		FROM `+b.table(tagsTable)+` WHERE user_id = @user_id
		ORDER BY tag_name
	`, bigquery.QueryParameter{Name: "user_id", Value: userID})
}

func (b *Backend) listTags(ctx context.Context, op, sql string, params ...bigquery.QueryParameter) ([]*domain.Tag, error) {
	list := []*domain.Tag{}
	err := b.read(ctx, op, sql, params, func(it *bigquery.RowIterator) error {
		var r TagRow
		if err := it.Next(&r); err != nil {
			return err
		}
		list = append(list, r.toDomain())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Schema returns the DDL creating the dataset's tables.
func Schema(projectID, dataset string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  user_id STRING NOT NULL, email STRING, display_name STRING,
  created_ts TIMESTAMP NOT NULL, updated_ts TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
  transaction_id STRING NOT NULL, user_id STRING NOT NULL, transaction_date DATE NOT NULL,
  amount NUMERIC NOT NULL, category_name STRING, merchant_name STRING, note STRING, location STRING,
  line_items_json STRING NOT NULL, source_receipt_id STRING, tags ARRAY<STRING>,
  created_ts TIMESTAMP NOT NULL, updated_ts TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS %[3]s (
  category_id STRING NOT NULL, user_id STRING NOT NULL, category_name STRING NOT NULL, kind STRING NOT NULL,
  created_ts TIMESTAMP NOT NULL, updated_ts TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS %[4]s (
  tag_id STRING NOT NULL, user_id STRING NOT NULL, tag_name STRING NOT NULL,
  created_ts TIMESTAMP NOT NULL, updated_ts TIMESTAMP NOT NULL
);`,
		tableName(projectID, dataset, usersTable),
		tableName(projectID, dataset, transactionsTable),
		tableName(projectID, dataset, categoriesTable),
		tableName(projectID, dataset, tagsTable),
	)
}

// EnsureSchema creates missing tables.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.exec(ctx, "ensure schema", Schema(b.projectID, b.dataset))
	return err
}
