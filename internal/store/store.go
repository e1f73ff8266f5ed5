// Package store provides the embedded SQLite local cache for blockpad.
//
// The store is the on-device copy of block and page data that the editor
// reads from while the transaction queue drains mutations to the remote
// store in the background.
//
// The database runs in embedded mode using SQLite with WAL enabled so
// follower sessions can read while the leader session writes. SQLite has
// no native cross-session mutual exclusion beyond file locking, so
// single-writer discipline is enforced by the session coordinator, not
// here.
//
// Layout:
//   - blocks:       cached block rows, indexed by page, parent, created_at
//   - pages:        cached page metadata
//   - transactions: durable mutation queue (see internal/queue)
//   - sync_meta:    per-page last-sync watermarks for reconciliation
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schemaVersion is written to PRAGMA user_version after InitSchema.
// Bump it when the table layout changes; Open refuses to run against a
// newer on-disk version than it understands.
const schemaVersion = 1

// Store wraps the embedded SQLite connection with blockpad-specific
// queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// Initialization can fail on restricted filesystems or exhausted quota.
// Callers must treat a failed Open as "local cache disabled" and fall
// back to remote-only operation rather than aborting; every consumer of
// *Store in this module tolerates a nil receiver's absence.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	var onDisk int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&onDisk); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if onDisk > schemaVersion {
		_ = s.Close()
		return nil, fmt.Errorf("store schema version %d is newer than supported version %d", onDisk, schemaVersion)
	}

	return s, nil
}

// OpenMemory opens an in-memory store with the schema initialized.
// Intended for tests and for remote-only fallback probing.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A :memory: database exists per connection; pooling would hand out
	// empty databases for the same DSN.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: ":memory:"}
	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the on-disk location of the database file.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// Idempotent; safe to call on every startup.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		emoji TEXT,
		icon TEXT,
		cover_image TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		page_id TEXT NOT NULL,
		parent_id TEXT,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		properties TEXT,  -- JSON object
		sort_order REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_edited_by TEXT
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		page_id TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		user_id TEXT,
		payload TEXT,       -- JSON after-image
		before_image TEXT,  -- JSON before-image for rollback
		status TEXT NOT NULL DEFAULT 'pending',
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		next_attempt_at TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		page_id TEXT PRIMARY KEY,
		last_sync_at TEXT NOT NULL
	);

	-- Hierarchy queries degrade to full scans without these.
	CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(page_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_parent ON blocks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_created ON blocks(created_at);

	CREATE INDEX IF NOT EXISTS idx_tx_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_tx_page ON transactions(page_id);
	CREATE INDEX IF NOT EXISTS idx_tx_drain
	    ON transactions(status, page_id, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// timeLayout is a fixed-width RFC3339 variant. RFC3339Nano drops a zero
// fraction, so "...:00Z" would sort lexicographically after "...:00.4Z"
// and TEXT comparisons in SQL would miss rows. Padding the fraction and
// forcing UTC keeps string order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp in the store's sortable layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// stringToNull converts an optional string to a nullable SQL value.
func stringToNull(v string) sql.NullString {
	if v == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: v, Valid: true}
}

// ptrToNull converts an optional string pointer to a nullable SQL value.
func ptrToNull(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *v, Valid: true}
}

// parseTime parses an RFC3339 timestamp, tolerating the nano variant.
func parseTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}
