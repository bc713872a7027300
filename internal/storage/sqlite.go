package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite, one row per store file.
type SQLiteBackend struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers at the driver level.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS store_files (
		id         INTEGER PRIMARY KEY,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// DB exposes the underlying handle so other subsystems (the audit trail)
// can keep their tables in the same database.
func (s *SQLiteBackend) DB() *sql.DB {
	return s.db
}

// Files lists store file ids in ascending order.
func (s *SQLiteBackend) Files(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM store_files ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list store files: %w", err)
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Read returns the lines of a store file.
func (s *SQLiteBackend) Read(ctx context.Context, id int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM store_files WHERE id = ?", id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrFileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read store file %d: %w", id, err)
	}
	return splitLines(body), nil
}

// Write stores or replaces a store file.
func (s *SQLiteBackend) Write(ctx context.Context, id int, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_files (id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		id, joinLines(lines), now, now,
	)
	if err != nil {
		return fmt.Errorf("write store file %d: %w", id, err)
	}
	return nil
}

// Append concatenates lines onto a store file in one statement.
func (s *SQLiteBackend) Append(ctx context.Context, id int, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_files (id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = store_files.body || excluded.body,
			updated_at = excluded.updated_at`,
		id, joinLines(lines), now, now,
	)
	if err != nil {
		return fmt.Errorf("append store file %d: %w", id, err)
	}
	return nil
}

// Close shuts down the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
