// Package sqlite implements kv.ConditionalStore on a single SQLite table using
// the pure-Go modernc.org/sqlite driver, suitable as the durable device-local
// store of an offline-first client.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	// registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/LerianStudio/lib-offsync/offsync/kv"
)

const (
	driverName       = "sqlite"
	defaultTableName = "offsync_kv"
)

var (
	// ErrNilDB is returned when the store is built without a database handle.
	ErrNilDB = errors.New("kv/sqlite: db is nil")
	// ErrInvalidTableName is returned for table names that are not plain identifiers.
	ErrInvalidTableName = errors.New("kv/sqlite: invalid table name")

	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// Store is a SQLite-backed kv.ConditionalStore.
type Store struct {
	db    *sql.DB
	table string
	owned bool
}

var _ kv.ConditionalStore = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithTableName overrides the default "offsync_kv" table.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// Open opens dsn with the modernc driver and prepares the table. The returned
// store owns the handle and closes it on Close.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	store, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store.owned = true

	return store, nil
}

// New wraps an existing handle and creates the table if needed.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	store := &Store{db: db, table: defaultTableName}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if !tableNamePattern.MatchString(store.table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, store.table)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BLOB NOT NULL)`, store.table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return store, nil
}

// Close releases the handle when the store opened it.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}

	return s.db.Close()
}

// Get returns the value for key, or nil, nil when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilDB
	}

	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}

	var value []byte

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	if value == nil {
		value = []byte{}
	}

	return value, nil
}

// Set upserts value under key. A nil value deletes the row.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrNilDB
	}

	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	if value == nil {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), key); err != nil {
			return fmt.Errorf("sqlite delete: %w", err)
		}

		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, s.table)

	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}

	return nil
}

// CompareAndSwap expresses the expectation in the WHERE clause so the check
// and the write happen in one statement.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNilDB
	}

	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}

	var (
		query string
		args  []any
	)

	switch {
	case expected == nil && value == nil:
		query = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key = ?`, s.table)

		var count int
		if err := s.db.QueryRowContext(ctx, query, key).Scan(&count); err != nil {
			return false, fmt.Errorf("sqlite compare-and-swap: %w", err)
		}

		return count == 0, nil
	case expected == nil:
		query = fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, s.table)
		args = []any{key, value}
	case value == nil:
		query = fmt.Sprintf(`DELETE FROM %s WHERE key = ? AND value = ?`, s.table)
		args = []any{key, expected}
	default:
		query = fmt.Sprintf(`UPDATE %s SET value = ? WHERE key = ? AND value = ?`, s.table)
		args = []any{value, key, expected}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite compare-and-swap: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}

	return affected == 1, nil
}
