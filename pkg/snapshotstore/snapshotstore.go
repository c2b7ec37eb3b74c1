// Package snapshotstore is the optional durability boundary spec.md §6
// describes: "If a caller wants durability, it SHALL provide a
// snapshot/restore boundary." It persists the binary blobs produced by
// tempovec.Store.Snapshot into a SQLite table, keyed by name, so a caller
// can schedule periodic snapshots and restore the most recent one on
// restart. It never touches the in-memory core directly — tempovec's
// package itself stays persistence-free, per spec.md §1's non-goals.
package snapshotstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding snapshot blobs. Grounded on the
// teacher's store.go Init: WAL journal mode, NORMAL synchronous, and a
// bounded busy timeout so concurrent snapshot writers don't fail outright
// under lock contention.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	blob       BLOB NOT NULL,
	PRIMARY KEY (name, created_at)
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshotstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes blob under name, stamped with now. Multiple saves under the
// same name are retained as a history; use Latest to fetch the most
// recent.
func (s *Store) Save(ctx context.Context, name string, now time.Time, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (name, created_at, blob) VALUES (?, ?, ?)`,
		name, now.UnixNano(), blob)
	if err != nil {
		return fmt.Errorf("snapshotstore: save %q: %w", name, err)
	}
	return nil
}

// Latest returns a reader over the most recently saved blob for name, or
// sql.ErrNoRows if none exists.
func (s *Store) Latest(ctx context.Context, name string) (io.Reader, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM snapshots WHERE name = ? ORDER BY created_at DESC LIMIT 1`, name)
	if err := row.Scan(&blob); err != nil {
		return nil, err
	}
	return bytes.NewReader(blob), nil
}

// Prune removes all but the most recent keep saves for name.
func (s *Store) Prune(ctx context.Context, name string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM snapshots
WHERE name = ? AND created_at NOT IN (
	SELECT created_at FROM snapshots WHERE name = ? ORDER BY created_at DESC LIMIT ?
)`, name, name, keep)
	if err != nil {
		return fmt.Errorf("snapshotstore: prune %q: %w", name, err)
	}
	return nil
}
