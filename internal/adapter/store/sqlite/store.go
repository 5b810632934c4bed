// Package sqlite implements the control-plane and task-local stores on
// an embedded single-writer SQLite database.
//
// All writes serialize through the store's mutex; compound
// check-then-write sequences (dedup insert, monotonic status
// transitions) take the same lock so they are atomic with respect to
// every other task sharing the handle.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	target      TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created     INTEGER NOT NULL,
	started     INTEGER NOT NULL DEFAULT 0,
	ended       INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
	scan_id           TEXT NOT NULL,
	hash              TEXT NOT NULL,
	type              TEXT NOT NULL,
	generated         REAL NOT NULL,
	confidence        INTEGER NOT NULL,
	visibility        INTEGER NOT NULL,
	risk              INTEGER NOT NULL,
	module            TEXT NOT NULL,
	data              TEXT NOT NULL,
	source_event_hash TEXT NOT NULL,
	PRIMARY KEY (scan_id, hash)
);
CREATE TABLE IF NOT EXISTS scan_logs (
	scan_id   TEXT NOT NULL,
	generated REAL NOT NULL,
	component TEXT NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_logs_scan ON scan_logs (scan_id);
CREATE TABLE IF NOT EXISTS correlations (
	id        TEXT PRIMARY KEY,
	scan_id   TEXT NOT NULL,
	rule_id   TEXT NOT NULL,
	rule_name TEXT NOT NULL,
	risk      TEXT NOT NULL,
	title     TEXT NOT NULL,
	event_count INTEGER NOT NULL DEFAULT 0,
	created   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_correlations_scan ON correlations (scan_id);
CREATE TABLE IF NOT EXISTS workers (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	host         TEXT NOT NULL,
	queue_type   TEXT NOT NULL DEFAULT 'fast',
	status       TEXT NOT NULL DEFAULT 'idle',
	current_scan TEXT NOT NULL DEFAULT '',
	last_seen    INTEGER NOT NULL,
	registered   INTEGER NOT NULL
);
`

// Store wraps a single SQLite connection shared by all control-plane
// tasks. The mutex is exported through Lock/Unlock so callers can make
// multi-statement sequences atomic.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the
// schema. The connection pool is capped at one connection: SQLite is
// single-writer and the shared mutex assumes a single handle.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=store.open: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("op=store.open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Lock acquires the store mutex for a compound operation.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the store mutex.
func (s *Store) Unlock() { s.mu.Unlock() }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SharedPath returns the control-plane store path under dataPath.
func SharedPath(dataPath string) string {
	return filepath.Join(dataPath, "scanfleet.db")
}

// TaskLocalPath returns the task-local store path for one scan.
func TaskLocalPath(dataPath, scanID string) string {
	return filepath.Join(dataPath, fmt.Sprintf("scan_%s.db", scanID))
}
