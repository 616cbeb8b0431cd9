// Package sqlite provides SQLite-based persistent storage for CypherMesh.
// Uses WAL mode for concurrent reads and crash-safe writes. The store is the
// single point of truth for "have I seen this event".
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// FileName is the database file created under the data directory.
const FileName = "cyphermesh.db"

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/cyphermesh.db.
// Enables WAL mode and a 30-second busy timeout so concurrent writers wait
// for the lock instead of failing.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, FileName)
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			ip        TEXT NOT NULL,
			port      INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			PRIMARY KEY (ip, port)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_seen ON peers(last_seen)`,

		`CREATE TABLE IF NOT EXISTS events (
			id              TEXT PRIMARY KEY,
			source_ip       TEXT NOT NULL,
			threat_type     TEXT NOT NULL,
			severity        TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			reporter_pubkey TEXT NOT NULL,
			signature       TEXT,
			valid_signature INTEGER NOT NULL DEFAULT 0,
			received_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_reporter ON events(reporter_pubkey)`,

		`CREATE TABLE IF NOT EXISTS reputation (
			pubkey TEXT PRIMARY KEY,
			score  INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
