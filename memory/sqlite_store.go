// Package memory persists the key-value notes of the memory tool in a
// SQLite database.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/martinemde/magnet/logger"
	_ "modernc.org/sqlite"
)

// DefaultFileName is the database file created under the data directory.
const DefaultFileName = "memory.db"

const schema = `CREATE TABLE IF NOT EXISTS memories (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);`

// SQLiteStore is a MemoryStore backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at dbPath. Use ":memory:"
// for a throwaway store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("memory: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", dbPath, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	logger.DebugCF("memory", "Opened memory store", map[string]any{"path": dbPath})
	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Set stores value under key, replacing any previous value.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("memory: set %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM memories WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("memory: get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("memory: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("memory: delete %q: %w", key, err)
	}
	return n > 0, nil
}

// List returns every stored entry.
func (s *SQLiteStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM memories ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("memory: list: %w", err)
		}
		entries[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	return entries, nil
}

// Clear removes every entry and returns how many there were.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories")
	if err != nil {
		return 0, fmt.Errorf("memory: clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory: clear: %w", err)
	}
	logger.InfoCF("memory", "Cleared memories", map[string]any{"count": n})
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
