// Package sqlite implements the repository interfaces on top of SQLite.
//
// modernc.org/sqlite is a pure Go port, so the binary builds without cgo.
// Use ":memory:" as the path for a throwaway database in tests.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/sakif/identity-service/internal/apperror"
)

// DB wraps a sql.DB pool and implements UserRepository, StateStore and
// SessionStore from the repository package.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// The pool is capped at one connection: PRAGMAs are per connection, every
// ":memory:" connection is its own database, and SQLite only has a single
// writer anyway.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. Every statement is idempotent.
func (db *DB) migrate() error {
	// last_seen_at holds unix nanoseconds (UTC) so the compare-and-swap in
	// Update compares integers, not formatted timestamps. Emails compare
	// case-insensitively, both for UNIQUE and for lookups.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			user_id           INTEGER PRIMARY KEY AUTOINCREMENT,
			uni               TEXT NOT NULL UNIQUE,
			student_name      TEXT NOT NULL,
			dept_name         TEXT NOT NULL DEFAULT '',
			email             TEXT NOT NULL UNIQUE COLLATE NOCASE,
			phone             TEXT NOT NULL DEFAULT '',
			avatar_url        TEXT NOT NULL DEFAULT '',
			credibility_score REAL NOT NULL DEFAULT 0,
			last_seen_at      INTEGER NOT NULL,
			google_id         TEXT UNIQUE
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS oauth_states (
			state         TEXT PRIMARY KEY,
			code_verifier TEXT NOT NULL,
			expires_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("creating oauth_states table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	return nil
}

// uniqueViolation translates a UNIQUE constraint error into apperror.Conflict.
// SQLite reports the offending column as "UNIQUE constraint failed: users.email".
// The second return is false for any other error.
func uniqueViolation(err error, resource string, values map[string]string) (*apperror.AppError, bool) {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return nil, false
	}
	if se.Code() != sqlitelib.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY {
		return nil, false
	}

	msg := se.Error()
	for column, value := range values {
		if strings.Contains(msg, "."+column) {
			return apperror.Conflict(resource, column, value), true
		}
	}
	return apperror.Conflict(resource, "key", "(unknown)"), true
}
