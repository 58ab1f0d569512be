// Package state persists per-file sync metadata and the remote credential
// in an embedded SQLite database.
//
// The database lives next to the local task files (state.db by default) and
// survives restarts. Metadata for a file is written before any network
// operation that depends on it, so a crash mid-sync never leaves the engine
// believing it pushed content it did not push.
//
// Schema:
//   - sync_metadata: one row per tracked file (local_revision, has_changes)
//   - credentials: named secrets, currently the remote access token
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// tokenKey names the remote access token in the credentials table.
const tokenKey = "remote_token"

// Metadata is the persisted sync state of one tracked file.
type Metadata struct {
	// LocalRevision is the remote revision the local file was last
	// confirmed against. Empty before the first successful sync.
	LocalRevision string

	// HasChanges is true when the local file holds edits not yet pushed.
	HasChanges bool

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time
}

// MetadataStore reads and writes per-file metadata.
type MetadataStore interface {
	Metadata(ctx context.Context, file string) (Metadata, error)
	SaveMetadata(ctx context.Context, file string, md Metadata) error
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at path and initializes the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_metadata (
		file TEXT PRIMARY KEY,
		local_revision TEXT NOT NULL DEFAULT '',
		has_changes INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Metadata returns the metadata for file. A file never seen before yields
// the zero Metadata.
func (db *DB) Metadata(ctx context.Context, file string) (Metadata, error) {
	var (
		md        Metadata
		changes   int
		updatedAt string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT local_revision, has_changes, updated_at FROM sync_metadata WHERE file = ?`,
		file,
	).Scan(&md.LocalRevision, &changes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata for %s: %w", file, err)
	}

	md.HasChanges = changes != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		md.UpdatedAt = t
	}
	return md, nil
}

// SaveMetadata writes the metadata for file. UpdatedAt is set to now.
func (db *DB) SaveMetadata(ctx context.Context, file string, md Metadata) error {
	changes := 0
	if md.HasChanges {
		changes = 1
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_metadata (file, local_revision, has_changes, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(file) DO UPDATE SET
		local_revision = excluded.local_revision,
		has_changes = excluded.has_changes,
		updated_at = excluded.updated_at
	`, file, md.LocalRevision, changes, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", file, err)
	}
	return nil
}

// ResetMetadata forgets the sync history of file. The next sync treats the
// local file as never synced.
func (db *DB) ResetMetadata(ctx context.Context, file string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_metadata WHERE file = ?`, file); err != nil {
		return fmt.Errorf("failed to reset metadata for %s: %w", file, err)
	}
	return nil
}

// Token returns the stored remote access token, or "" when none is stored.
func (db *DB) Token(ctx context.Context) (string, error) {
	var tok string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM credentials WHERE name = ?`, tokenKey).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return tok, nil
}

// SetToken stores the remote access token.
func (db *DB) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO credentials (name, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, tokenKey, token, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// ClearToken removes the stored remote access token.
func (db *DB) ClearToken(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, tokenKey); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}
