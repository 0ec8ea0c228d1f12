// Package storage provides the SQLite-backed persistent state shared by every
// autopilot process that points at the same database file.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"operator-autopilot/internal/apperr"
)

// Database wraps the SQLite database connection
type Database struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at the given path
func Open(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection per process; other processes coordinate through SQLite file locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	database := &Database{db: db, now: time.Now}

	if err := database.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SetClock replaces the time source used for lock expiry and timestamps
func (d *Database) SetClock(now func() time.Time) {
	d.now = now
}

// Now returns the database clock's current time
func (d *Database) Now() time.Time {
	return d.now()
}

// Migrate creates all necessary tables
func (d *Database) Migrate() error {
	migrations := []string{
		// Named JSON fields (the key-value substrate)
		`CREATE TABLE IF NOT EXISTS kv (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Advisory leases
		`CREATE TABLE IF NOT EXISTS operation_locks (
			operation TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,

		// Single-row counters
		`CREATE TABLE IF NOT EXISTS stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			incoming_views INTEGER NOT NULL DEFAULT 0,
			incoming_likes INTEGER NOT NULL DEFAULT 0,
			incoming_winks INTEGER NOT NULL DEFAULT 0,
			incoming_messages INTEGER NOT NULL DEFAULT 0,
			incoming_letters INTEGER NOT NULL DEFAULT 0,
			outgoing_messages INTEGER NOT NULL DEFAULT 0,
			successful_chat_sends INTEGER NOT NULL DEFAULT 0,
			read_mails INTEGER NOT NULL DEFAULT 0,
			limit_updates INTEGER NOT NULL DEFAULT 0,
			last_update INTEGER NOT NULL DEFAULT 0,
			last_reset INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO stats (id) VALUES (1)`,

		// Notification history, newest first by id
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			chat_url TEXT NOT NULL DEFAULT '',
			require_interaction INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,

		// Per-profile automation configuration
		`CREATE TABLE IF NOT EXISTS autoreply_configs (
			profile_external_id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notifications_type ON notifications(type)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}

	return nil
}

// Transaction runs fn inside a transaction
func (d *Database) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return classify(tx.Commit())
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// classify marks errors from a closed database as host invalidation so
// background loops stop instead of retrying against a dead store.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return apperr.Wrap(apperr.CodeHostInvalidated, err, "store closed")
	}
	return err
}
