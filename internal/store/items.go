package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/wholeslide/annostore/internal/access"
)

// CreateItem inserts an image item record.
func (s *Store) CreateItem(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = NewID()
	}
	now := nowMillis()
	if item.Created == 0 {
		item.Created = now
	}
	item.Updated = now
	meta, err := marshalNullable(item.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO items (id, folder_id, name, meta, created, updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.FolderID, item.Name, meta, item.Created, item.Updated)
	return errors.Wrap(err, "create item")
}

// GetItem fetches an item, or nil when absent.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	var (
		item Item
		meta sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_id, name, meta, created, updated
		FROM items WHERE id = ?`, id).Scan(
		&item.ID, &item.FolderID, &item.Name, &meta, &item.Created, &item.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get item")
	}
	if meta.Valid && meta.String != "" {
		if err := headerJSON.UnmarshalFromString(meta.String, &item.Meta); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

// ItemsInFolder lists the items of a folder, by name.
func (s *Store) ItemsInFolder(ctx context.Context, folderID string) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder_id, name, meta, created, updated
		FROM items WHERE folder_id = ? ORDER BY name, id`, folderID)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		var (
			item Item
			meta sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.FolderID, &item.Name, &meta,
			&item.Created, &item.Updated); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := headerJSON.UnmarshalFromString(meta.String, &item.Meta); err != nil {
				return nil, err
			}
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// DeleteItem removes an item row.  Lifecycle consequences for the item's
// annotations are handled by the hooks package.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	return errors.Wrap(err, "delete item")
}

// CreateFolder inserts a folder record.
func (s *Store) CreateFolder(ctx context.Context, folder *Folder) error {
	if folder.ID == "" {
		folder.ID = NewID()
	}
	acl, err := marshalNullable(folder.Access)
	if err != nil {
		return err
	}
	meta, err := marshalNullable(folder.Meta)
	if err != nil {
		return err
	}
	var parent any
	if folder.ParentID != "" {
		parent = folder.ParentID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO folders (id, parent_id, name, public, access, meta)
		VALUES (?, ?, ?, ?, ?, ?)`,
		folder.ID, parent, folder.Name, boolToInt(folder.Public), acl, meta)
	return errors.Wrap(err, "create folder")
}

// GetFolder fetches a folder, or nil when absent.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	var (
		folder    Folder
		parent    sql.NullString
		public    int
		acl, meta sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, public, access, meta
		FROM folders WHERE id = ?`, id).Scan(
		&folder.ID, &parent, &folder.Name, &public, &acl, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get folder")
	}
	folder.ParentID = parent.String
	folder.Public = public != 0
	if acl.Valid && acl.String != "" {
		folder.Access = &access.ACL{}
		if err := headerJSON.UnmarshalFromString(acl.String, folder.Access); err != nil {
			return nil, err
		}
	}
	if meta.Valid && meta.String != "" {
		if err := headerJSON.UnmarshalFromString(meta.String, &folder.Meta); err != nil {
			return nil, err
		}
	}
	return &folder, nil
}

// CreateUser inserts a user record.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (id, login, name, admin)
		VALUES (?, ?, ?, ?)`,
		user.ID, user.Login, user.Name, boolToInt(user.Admin))
	return errors.Wrap(err, "create user")
}

// GetUser fetches a user, or nil when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var (
		user  User
		name  sql.NullString
		admin int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, name, admin FROM users WHERE id = ?`, id).Scan(
		&user.ID, &user.Login, &name, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	user.Name = name.String
	user.Admin = admin != 0
	return &user, nil
}

func marshalNullable(v any) (any, error) {
	if isNilish(v) {
		return nil, nil
	}
	raw, err := headerJSON.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func isNilish(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]any:
		return val == nil
	case *access.ACL:
		return val == nil
	}
	return false
}
