// Package storage holds the agent's local SQLite records for the
// collaborators around a call: emergency status, context timelines and
// notifications.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("storage: not found")

// OpenSQLite opens or creates a SQLite database file with the pragmas every
// guardcall database uses.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets a second process read while this one writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	return db, nil
}

// DB wraps the agent's collaborator database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*DB, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _emergencies (
			id           TEXT PRIMARY KEY,
			resolved     INTEGER NOT NULL DEFAULT 0,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create emergencies table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _timeline (
			_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id   TEXT NOT NULL,
			context_type TEXT NOT NULL,
			action       TEXT NOT NULL,
			note         TEXT DEFAULT '',
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _timeline_context ON _timeline(context_id, _id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create timeline table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _notifications (
			id           TEXT PRIMARY KEY,
			to_user_id   TEXT NOT NULL,
			to_role      TEXT DEFAULT '',
			from_user_id TEXT DEFAULT '',
			from_name    TEXT DEFAULT '',
			type         TEXT NOT NULL,
			call_id      TEXT DEFAULT '',
			message      TEXT DEFAULT '',
			created_at   INTEGER NOT NULL,
			seen         INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS _notifications_to ON _notifications(to_user_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
