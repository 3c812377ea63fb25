// Package sqlite provides a SQLite-backed entity store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/nathoo/mythcore/model"
	"github.com/nathoo/mythcore/storage"
	"github.com/nathoo/mythcore/storage/sqlite/migrations"
	"github.com/nathoo/mythcore/types"
)

// Store persists entity documents as JSON in a single table.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite entity store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	// Master and workers share the file.
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Find implements storage.Store.
func (s *Store) Find(ctx context.Context, kind types.Kind, ids []string) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(kind))
	for _, id := range ids {
		args = append(args, id)
	}
	query := "SELECT doc FROM entities WHERE kind = ? AND id IN (" +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")"
	return s.query(ctx, kind, query, args...)
}

// FindWhere implements storage.Store.
func (s *Store) FindWhere(ctx context.Context, kind types.Kind, where storage.Where) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := "SELECT doc FROM entities WHERE kind = ?"
	args := []any{string(kind)}
	for _, k := range keys {
		value := model.Flatten(where[k])
		switch value.(type) {
		case string, float64, bool:
		default:
			return nil, fmt.Errorf("unsupported condition on %s: %T", k, where[k])
		}
		field := `$."` + strings.ReplaceAll(k, `"`, "") + `"`
		query += " AND (json_extract(doc, ?) = ? OR json_extract(doc, ?) = ?)"
		args = append(args, field, value, field+`."$ref"`, value)
	}
	query += " ORDER BY id"
	return s.query(ctx, kind, query, args...)
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, e *model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(e.Document())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.ID(), err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO entities (id, kind, doc, updated_at) VALUES (?, ?, ?, ?)",
		e.ID(), string(e.Kind()), string(doc), time.Now().UTC().UnixMilli(),
	)
	if isConstraintError(err) {
		return storage.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", e.ID(), err)
	}
	return nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, e *model.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := json.Marshal(e.Document())
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.ID(), err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE entities SET doc = ?, updated_at = ? WHERE id = ? AND kind = ?",
		string(doc), time.Now().UTC().UnixMilli(), e.ID(), string(e.Kind()),
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", e.ID(), err)
	}
	return expectOneRow(res)
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, kind types.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, "DELETE FROM entities WHERE id = ? AND kind = ?", id, string(kind))
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return expectOneRow(res)
}

// IDs implements storage.Store.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT id FROM entities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) query(ctx context.Context, kind types.Kind, query string, args ...any) ([]*model.Entity, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()
	var out []*model.Entity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		e, err := model.Decode(kind, []byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
