package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS billing_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore implements KeyValueStore on a local SQLite database.
type SQLiteStore struct {
	dbConn *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// ensures the settings table exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dbConn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := dbConn.ExecContext(ctx, sqliteSchema); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}
	return &SQLiteStore{dbConn: dbConn}, nil
}

// NewSQLiteStoreWithDB wraps an existing connection. The settings table must
// already exist.
func NewSQLiteStoreWithDB(dbConn *sql.DB) *SQLiteStore {
	return &SQLiteStore{dbConn: dbConn}
}

// Get returns the stored value, or "" when absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.dbConn.QueryRowContext(ctx,
		`SELECT value FROM billing_settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Set upserts value under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.dbConn.ExecContext(ctx, `
		INSERT INTO billing_settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.dbConn.ExecContext(ctx,
		`DELETE FROM billing_settings WHERE key = ?`, key)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.dbConn.Close()
}

var _ KeyValueStore = (*SQLiteStore)(nil)
