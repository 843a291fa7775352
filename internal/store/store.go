// Package store persists registered groups and scheduled tasks in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when a group or task doesn't exist.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed registry of groups and tasks.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; the pure-Go driver serializes anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS registered_groups (
			jid      TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			folder   TEXT NOT NULL UNIQUE,
			trigger_word TEXT NOT NULL DEFAULT '',
			added_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'isolated',
			next_run       TEXT,
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_folder ON scheduled_tasks(group_folder);
		CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(status, next_run);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout has a fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
