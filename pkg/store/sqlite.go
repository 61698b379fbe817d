package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS configuration_cache (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS overrides (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLiteStore persists the cache and overrides in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ReadCache(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM configuration_cache WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) WriteCache(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configuration_cache (id, payload) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, data)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM overrides`)
	if err != nil {
		return nil, fmt.Errorf("reading overrides: %w", err)
	}
	defer rows.Close()

	overrides := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		overrides[key] = value
	}
	return overrides, rows.Err()
}

func (s *SQLiteStore) WriteOverride(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overrides (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing override %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOverride(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing override %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
