// Package baseline provides the persistent trusted baseline of the
// file-integrity monitor: a WAL-mode SQLite mapping of path → (content
// hash, size, mtime). The store is the single source of truth for which
// paths are tracked; the reconciliation pipeline is its only writer, while
// the metrics surface and the offline scan command read concurrently.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that readers and
// the single event-driven writer proceed without blocking each other.
// Like the rest of the system, the connection pool is limited to one
// connection: SQLite allows only one writer at a time and a single pooled
// connection avoids "database is locked" errors under concurrent calls.
//
// # Failure kind
//
// All errors returned by store operations wrap ErrStore so that callers can
// distinguish persistence failures from ordinary filesystem conditions and
// refuse to emit audit records describing unpersisted mutations.
package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ErrStore marks a persistence-level failure (corruption, locked database,
// failed write). It is distinct from filesystem errors: when a store
// mutation fails the corresponding audit record must not be emitted.
var ErrStore = errors.New("baseline store failure")

// ErrLocked is returned by Open when WithExclusiveLock is requested and
// another process already holds the baseline lock.
var ErrLocked = errors.New("baseline database is locked by another process")

// FileRecord is the trusted recorded state of one tracked path. At most one
// record exists per path; absence of a record means the path is not
// currently tracked as existing.
type FileRecord struct {
	// Path is the canonical absolute path (primary key).
	Path string
	// Hash is the hex-encoded content digest.
	Hash string
	// Size is the file size in bytes.
	Size int64
	// Mtime is the source-reported modification time in unix seconds.
	Mtime int64
}

// ddl is the schema, kept here so the package is self-contained. Point
// lookups by primary key dominate; no secondary indexes are needed.
const ddl = `
CREATE TABLE IF NOT EXISTS files (
    path  TEXT    PRIMARY KEY,
    hash  TEXT    NOT NULL,
    size  INTEGER NOT NULL,
    mtime INTEGER NOT NULL
);
`

// Store is a WAL-mode SQLite-backed baseline. It is safe for concurrent
// use; single-path mutations are atomic with respect to concurrent readers.
type Store struct {
	db      *sql.DB
	lock    *flock.Flock
	tracked atomic.Int64
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	exclusive bool
}

// WithExclusiveLock makes Open take a non-blocking advisory file lock next
// to the database (path + ".lock"). The init and watch commands use it so
// that two writer processes can never share one baseline; the read-only
// scan command does not.
func WithExclusiveLock() Option {
	return func(o *openOptions) { o.exclusive = true }
}

// Open opens (or creates) the baseline database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:" an in-memory
// database is used; suitable for tests only.
func Open(path string, opts ...Option) (*Store, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	var lock *flock.Flock
	if o.exclusive && path != ":memory:" {
		lock = flock.New(path + ".lock")
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("baseline: lock %q: %w: %w", lock.Path(), ErrStore, err)
		}
		if !ok {
			return nil, fmt.Errorf("baseline: %q: %w", path, ErrLocked)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		unlock(lock)
		return nil, fmt.Errorf("baseline: open %q: %w: %w", path, ErrStore, err)
	}

	// One pooled connection: the single writer serialises through it and
	// WAL readers never block it for long.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			unlock(lock)
			return nil, fmt.Errorf("baseline: %s: %w: %w", pragma, ErrStore, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		unlock(lock)
		return nil, fmt.Errorf("baseline: apply schema: %w: %w", ErrStore, err)
	}

	s := &Store{db: db, lock: lock}

	// Seed the tracked counter so Count is cheap immediately after restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&count); err != nil {
		_ = db.Close()
		unlock(lock)
		return nil, fmt.Errorf("baseline: count rows: %w: %w", ErrStore, err)
	}
	s.tracked.Store(count)

	return s, nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

// Get returns the record for path and whether one exists.
func (s *Store) Get(ctx context.Context, path string) (FileRecord, bool, error) {
	rec := FileRecord{Path: path}
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, mtime FROM files WHERE path = ?`, path).
		Scan(&rec.Hash, &rec.Size, &rec.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("baseline: get %q: %w: %w", path, ErrStore, err)
	}
	return rec, true, nil
}

// Upsert inserts or replaces the record for rec.Path. It returns whether
// the path was newly inserted (false means an existing record was updated).
// The store has a single event-driven writer, so the existence check and
// the write do not race with other mutations.
func (s *Store) Upsert(ctx context.Context, rec FileRecord) (inserted bool, err error) {
	var existing int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE path = ?`, rec.Path).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("baseline: upsert lookup %q: %w: %w", rec.Path, ErrStore, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, hash, size, mtime) VALUES (?, ?, ?, ?)`,
		rec.Path, rec.Hash, rec.Size, rec.Mtime)
	if err != nil {
		return false, fmt.Errorf("baseline: upsert %q: %w: %w", rec.Path, ErrStore, err)
	}

	if existing == 0 {
		s.tracked.Add(1)
		return true, nil
	}
	return false, nil
}

// Delete removes the record for path. It returns whether a record existed.
func (s *Store) Delete(ctx context.Context, path string) (existed bool, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("baseline: delete %q: %w: %w", path, ErrStore, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.tracked.Add(-n)
	}
	return n > 0, nil
}

// Rename atomically removes the record for from and writes rec (the record
// for the rename destination) in one transaction, so a concurrent reader
// never observes both paths or neither.
func (s *Store) Rename(ctx context.Context, from string, rec FileRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("baseline: rename begin: %w: %w", ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, from)
	if err != nil {
		return fmt.Errorf("baseline: rename delete %q: %w: %w", from, ErrStore, err)
	}
	removed, _ := res.RowsAffected()

	var existed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE path = ?`, rec.Path).Scan(&existed)
	if err != nil {
		return fmt.Errorf("baseline: rename lookup %q: %w: %w", rec.Path, ErrStore, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO files (path, hash, size, mtime) VALUES (?, ?, ?, ?)`,
		rec.Path, rec.Hash, rec.Size, rec.Mtime)
	if err != nil {
		return fmt.Errorf("baseline: rename insert %q: %w: %w", rec.Path, ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("baseline: rename commit: %w: %w", ErrStore, err)
	}

	// Net tracked delta: -removed +1 insert, minus 1 if destination existed.
	s.tracked.Add(1 - removed - int64(existed))
	return nil
}

// Scan iterates every record in the baseline, invoking fn for each. Each
// call starts a fresh full-table pass. fn must not call back into the
// store; the scan holds the pooled connection until it returns.
func (s *Store) Scan(ctx context.Context, fn func(FileRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT path, hash, size, mtime FROM files ORDER BY path`)
	if err != nil {
		return fmt.Errorf("baseline: scan query: %w: %w", ErrStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.Size, &rec.Mtime); err != nil {
			return fmt.Errorf("baseline: scan row: %w: %w", ErrStore, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("baseline: scan rows: %w: %w", ErrStore, err)
	}
	return nil
}

// Count returns the number of tracked files. It reads an atomic counter
// maintained by the mutation methods and never touches the database.
func (s *Store) Count() int64 {
	return s.tracked.Load()
}

// Rebuild replaces the entire baseline in one immediate transaction. fill
// is invoked with an insert function; every record it inserts becomes part
// of the new baseline. If fill returns an error the transaction is rolled
// back and the previous baseline is left intact. Used by the init command.
func (s *Store) Rebuild(ctx context.Context, fill func(insert func(FileRecord) error) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("baseline: rebuild begin: %w: %w", ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return fmt.Errorf("baseline: rebuild clear: %w: %w", ErrStore, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO files (path, hash, size, mtime) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("baseline: rebuild prepare: %w: %w", ErrStore, err)
	}
	defer stmt.Close()

	var count int64
	insert := func(rec FileRecord) error {
		if _, err := stmt.ExecContext(ctx, rec.Path, rec.Hash, rec.Size, rec.Mtime); err != nil {
			return fmt.Errorf("baseline: rebuild insert %q: %w: %w", rec.Path, ErrStore, err)
		}
		count++
		return nil
	}

	if err := fill(insert); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("baseline: rebuild commit: %w: %w", ErrStore, err)
	}

	s.tracked.Store(count)
	return nil
}

// Close closes the database and releases the advisory lock if one was
// taken. The store must not be used after Close returns.
func (s *Store) Close() error {
	err := s.db.Close()
	unlock(s.lock)
	if err != nil {
		return fmt.Errorf("baseline: close: %w: %w", ErrStore, err)
	}
	return nil
}
