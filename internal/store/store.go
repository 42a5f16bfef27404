// Package store provides persistent server state backed by an embedded
// SQLite database: users, API keys, and the per-user clipboard log. Image
// bytes may be kept outside the database as external blobs (see images.go).
//
// Migration design: SQL statements are kept in the migrations slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist or does not
// belong to the requesting user. The two cases are deliberately
// indistinguishable so handlers cannot leak existence.
var ErrNotFound = errors.New("not found")

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		last_login_at INTEGER
	)`,
	// v2 — api keys
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id),
		key          TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		last_used_at INTEGER,
		expires_at   INTEGER,
		revoked      INTEGER NOT NULL DEFAULT 0
	)`,
	// v3 — clipboard entries
	`CREATE TABLE IF NOT EXISTS clipboard_entries (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES users(id),
		content_type    TEXT NOT NULL,
		content         BLOB,
		content_preview TEXT NOT NULL DEFAULT '',
		content_hash    TEXT NOT NULL,
		source_device   TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		external_path   TEXT
	)`,
	// v4 — history reads are always (user, created_at desc)
	`CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON clipboard_entries(user_id, created_at DESC)`,
	// v5 — client-side dedup lookups
	`CREATE INDEX IF NOT EXISTS idx_entries_hash ON clipboard_entries(content_hash)`,
	// v6 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and owns all persisted Krypton state.
type Store struct {
	db *sql.DB

	// imagesRoot, when non-empty, enables external blob storage for IMAGE
	// entries under {imagesRoot}/images/{userID}/{uuid}.png.
	imagesRoot string

	// now is the clock; swapped in tests to seed old entries.
	now func() time.Time
}

// Option customises a Store at open time.
type Option func(*Store)

// WithImagesRoot enables external image blob storage rooted at dir.
func WithImagesRoot(dir string) Option {
	return func(s *Store) { s.imagesRoot = dir }
}

// WithClock replaces the store's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow concurrent readers but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout", "err", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		slog.Warn("store: foreign_keys", "err", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Now returns the store's notion of the current time (the real clock unless
// replaced with WithClock).
func (s *Store) Now() time.Time { return s.now() }

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// millis converts a time to the persisted representation (Unix milliseconds).
func millis(t time.Time) int64 { return t.UnixMilli() }

// fromMillis converts a persisted timestamp back to a time.Time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// nullMillis converts an optional time for persistence.
func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

// scanNullMillis converts an optional persisted timestamp.
func scanNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
