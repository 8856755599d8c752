// Package state manages the SQLite database holding synced messages,
// subjects, per-account annotations and timeline cursors.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS origin (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    name     TEXT    NOT NULL UNIQUE,
    protocol TEXT    NOT NULL,
    base_url TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subject (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    origin_id       INTEGER NOT NULL REFERENCES origin (id),
    oid             TEXT    NOT NULL,
    username        TEXT    NOT NULL DEFAULT '',
    webfinger_id    TEXT    NOT NULL DEFAULT '',
    real_name       TEXT    NOT NULL DEFAULT '',
    avatar_url      TEXT    NOT NULL DEFAULT '',
    banner_url      TEXT    NOT NULL DEFAULT '',
    homepage        TEXT    NOT NULL DEFAULT '',
    profile_url     TEXT    NOT NULL DEFAULT '',
    description     TEXT    NOT NULL DEFAULT '',
    location        TEXT    NOT NULL DEFAULT '',
    msg_count       INTEGER NOT NULL DEFAULT 0,
    favorites_count INTEGER NOT NULL DEFAULT 0,
    following_count INTEGER NOT NULL DEFAULT 0,
    followers_count INTEGER NOT NULL DEFAULT 0,
    created_date    TEXT    NOT NULL DEFAULT '',
    updated_date    TEXT    NOT NULL DEFAULT '',
    latest_msg_id   INTEGER NOT NULL DEFAULT 0,
    latest_msg_date TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subject_oid      ON subject (origin_id, oid);
CREATE INDEX        IF NOT EXISTS idx_subject_username ON subject (origin_id, username);

CREATE TABLE IF NOT EXISTS message (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    origin_id           INTEGER NOT NULL REFERENCES origin (id),
    oid                 TEXT    NOT NULL DEFAULT '',
    sender_id           INTEGER NOT NULL DEFAULT 0,
    author_id           INTEGER NOT NULL DEFAULT 0,
    recipient_id        INTEGER NOT NULL DEFAULT 0,
    in_reply_to_msg_id  INTEGER NOT NULL DEFAULT 0,
    in_reply_to_user_id INTEGER NOT NULL DEFAULT 0,
    body                TEXT    NOT NULL DEFAULT '',
    via                 TEXT    NOT NULL DEFAULT '',
    url                 TEXT    NOT NULL DEFAULT '',
    status              INTEGER NOT NULL DEFAULT 0,
    public              INTEGER NOT NULL DEFAULT 0,
    sent_date           TEXT    NOT NULL DEFAULT '',
    created_date        TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_message_oid    ON message (origin_id, oid) WHERE oid != '';
CREATE INDEX        IF NOT EXISTS idx_message_sent   ON message (sent_date);

CREATE TABLE IF NOT EXISTS msg_of_user (
    subject_id INTEGER NOT NULL,
    msg_id     INTEGER NOT NULL,
    subscribed INTEGER NOT NULL DEFAULT 0,
    favorited  INTEGER NOT NULL DEFAULT 0,
    reblogged  INTEGER NOT NULL DEFAULT 0,
    reblog_oid TEXT    NOT NULL DEFAULT '',
    mentioned  INTEGER NOT NULL DEFAULT 0,
    replied    INTEGER NOT NULL DEFAULT 0,
    directed   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (subject_id, msg_id)
);

CREATE TABLE IF NOT EXISTS follow (
    subject_id INTEGER NOT NULL,
    target_id  INTEGER NOT NULL,
    followed   INTEGER NOT NULL,
    PRIMARY KEY (subject_id, target_id)
);

CREATE TABLE IF NOT EXISTS download (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_id       INTEGER NOT NULL,
    content_type TEXT    NOT NULL DEFAULT '',
    uri          TEXT    NOT NULL,
    status       INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_download_uri ON download (msg_id, uri);

CREATE TABLE IF NOT EXISTS timeline (
    key             TEXT PRIMARY KEY,
    position        TEXT NOT NULL DEFAULT '',
    item_date       TEXT NOT NULL DEFAULT '',
    downloaded_date TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/timelinerelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "timelinerelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer; concurrent sync runs queue on this connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// EnsureOrigin returns the id of the named origin, creating it on first use.
func (s *Store) EnsureOrigin(ctx context.Context, name, protocol, baseURL string) (int64, error) {
	const ins = `
		INSERT INTO origin (name, protocol, base_url) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET protocol = excluded.protocol, base_url = excluded.base_url`
	if _, err := s.db.ExecContext(ctx, ins, name, protocol, baseURL); err != nil {
		return 0, fmt.Errorf("upserting origin %q: %w", name, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM origin WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading origin %q: %w", name, err)
	}
	return id, nil
}

// Counts summarises table sizes for the status command.
type Counts struct {
	Messages    int64
	Subjects    int64
	Annotations int64
	Downloads   int64
	Timelines   int64
}

// Counts returns the number of rows in the main tables.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	const q = `
		SELECT (SELECT COUNT(*) FROM message),
		       (SELECT COUNT(*) FROM subject),
		       (SELECT COUNT(*) FROM msg_of_user),
		       (SELECT COUNT(*) FROM download),
		       (SELECT COUNT(*) FROM timeline)`
	err := s.db.QueryRowContext(ctx, q).Scan(&c.Messages, &c.Subjects, &c.Annotations, &c.Downloads, &c.Timelines)
	if err != nil {
		return c, fmt.Errorf("counting rows: %w", err)
	}
	return c, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// columns collects a sparse column set for INSERT and UPDATE statements.
type columns struct {
	names []string
	args  []any
}

func (c *columns) add(name string, v any) {
	c.names = append(c.names, name)
	c.args = append(c.args, v)
}

func (c *columns) str(name, v string) {
	if v != "" {
		c.add(name, v)
	}
}

func (c *columns) id(name string, v int64) {
	if v != 0 {
		c.add(name, v)
	}
}

func (c *columns) date(name string, v time.Time) {
	if !v.IsZero() {
		c.add(name, formatTime(v))
	}
}

func (c *columns) empty() bool { return len(c.names) == 0 }

func (c *columns) setClause() string {
	parts := make([]string, len(c.names))
	for i, n := range c.names {
		parts[i] = n + " = ?"
	}
	return strings.Join(parts, ", ")
}

func (c *columns) nameList() string { return strings.Join(c.names, ", ") }

func (c *columns) placeholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(c.names)), ", ")
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lookupID runs a single-column id query, mapping "no rows" to 0.
func lookupID(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, query string, args ...any) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// timeLayout is fixed-width UTC so stored dates compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
