package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dvloznov/receipt-ledger/internal/domain"
)

// CreateUser inserts a user. An empty ID is generated.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	now := s.now()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.DisplayName, formatTime(u.CreatedAt), formatTime(u.UpdatedAt)); err != nil {
		return storageErr("create user", conflictAware(err, "user", u.ID))
	}
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var (
		u                    domain.User
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at, updated_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "user", Key: id}
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, storageErr("get user: created_at", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, storageErr("get user: updated_at", err)
	}
	return &u, nil
}

// UpdateUser applies last-writer-wins on UpdatedAt.
func (s *Store) UpdateUser(ctx context.Context, u *domain.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	ts := formatTime(u.UpdatedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, display_name = ?, updated_at = ?
		WHERE id = ? AND updated_at <= ?
	`, u.Email, u.DisplayName, ts, u.ID, ts)
	if err != nil {
		return storageErr("update user", err)
	}
	return s.requireFreshWrite(ctx, res, "users", "user", u.ID)
}

// DeleteUser removes a user row. Owned records are kept.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "users", "user", id)
}

// CreateCategory inserts a category. Names are unique per user.
func (s *Store) CreateCategory(ctx context.Context, c *domain.Category) error {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Kind == "" {
		c.Kind = domain.CategoryKindExpense
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, user_id, name, kind, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, strings.TrimSpace(c.Name), string(c.Kind), formatTime(c.CreatedAt), formatTime(c.UpdatedAt)); err != nil {
		return storageErr("create category", conflictAware(err, "category", c.Name))
	}
	return nil
}

// GetCategory returns a category by id.
func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	c, err := scanCategory(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM categories WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "category", Key: id}
	}
	if err != nil {
		return nil, storageErr("get category", err)
	}
	return c, nil
}

// UpdateCategory applies last-writer-wins on UpdatedAt.
func (s *Store) UpdateCategory(ctx context.Context, c *domain.Category) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	ts := formatTime(c.UpdatedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE categories SET name = ?, kind = ?, updated_at = ?
		WHERE id = ? AND updated_at <= ?
	`, strings.TrimSpace(c.Name), string(c.Kind), ts, c.ID, ts)
	if err != nil {
		return storageErr("update category", conflictAware(err, "category", c.Name))
	}
	return s.requireFreshWrite(ctx, res, "categories", "category", c.ID)
}

// DeleteCategory removes a category. Transactions keep their category text.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "categories", "category", id)
}

// ListCategories returns the user's categories by name.
func (s *Store) ListCategories(ctx context.Context, userID string) ([]*domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, created_at, updated_at FROM categories
		WHERE user_id = ? ORDER BY name ASC
	`, userID)
	if err != nil {
		return nil, storageErr("list categories", err)
	}
	defer rows.Close()

	out := []*domain.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, storageErr("list categories: scan", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list categories: iterate", err)
	}
	return out, nil
}

// CreateTag inserts a tag. Names are unique per user.
func (s *Store) CreateTag(ctx context.Context, t *domain.Tag) error {
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, user_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.UserID, strings.TrimSpace(t.Name), formatTime(t.CreatedAt), formatTime(t.UpdatedAt)); err != nil {
		return storageErr("create tag", conflictAware(err, "tag", t.Name))
	}
	return nil
}

// GetTag returns a tag by id.
func (s *Store) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	t, err := scanTag(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at, updated_at FROM tags WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "tag", Key: id}
	}
	if err != nil {
		return nil, storageErr("get tag", err)
	}
	return t, nil
}

// UpdateTag renames a tag, last-writer-wins on UpdatedAt.
func (s *Store) UpdateTag(ctx context.Context, t *domain.Tag) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now()
	}
	ts := formatTime(t.UpdatedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tags SET name = ?, updated_at = ? WHERE id = ? AND updated_at <= ?
	`, strings.TrimSpace(t.Name), ts, t.ID, ts)
	if err != nil {
		return storageErr("update tag", conflictAware(err, "tag", t.Name))
	}
	return s.requireFreshWrite(ctx, res, "tags", "tag", t.ID)
}

// DeleteTag removes a tag and its transaction links.
func (s *Store) DeleteTag(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "tags", "tag", id)
}

// ListTags returns the user's tags by name.
func (s *Store) ListTags(ctx context.Context, userID string) ([]*domain.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, created_at, updated_at FROM tags WHERE user_id = ? ORDER BY name ASC
	`, userID)
	if err != nil {
		return nil, storageErr("list tags", err)
	}
	defer rows.Close()

	out := []*domain.Tag{}
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, storageErr("list tags: scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tags: iterate", err)
	}
	return out, nil
}

func scanCategory(row rowScanner) (*domain.Category, error) {
	var (
		c                    domain.Category
		kind                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &kind, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Kind = domain.CategoryKind(kind)
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanTag(row rowScanner) (*domain.Tag, error) {
	var (
		t                    domain.Tag
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete "+kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete "+kind+": rows affected", err)
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: kind, Key: id}
	}
	return nil
}

// requireFreshWrite maps "no row updated" to NotFound or ErrStaleWrite.
func (s *Store) requireFreshWrite(ctx context.Context, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update "+kind+": rows affected", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.NotFoundError{Kind: kind, Key: id}
	}
	if err != nil {
		return storageErr("update "+kind+": lookup", err)
	}
	return fmt.Errorf("update %s %s: %w", kind, id, domain.ErrStaleWrite)
}

func conflictAware(err error, kind, key string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %q already exists: %w", kind, key, err)
	}
	return err
}
