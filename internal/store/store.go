// Package store is the persistent backing for feeds, episodes, jobs,
// nodes, provisioner setup state, and embeddings. It wraps a pooled
// database/sql handle over modernc.org/sqlite and owns schema migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the single entry point for durable state. Every package that
// needs persistence is handed a *Store rather than a raw *sql.DB.
type Store struct {
	db *sql.DB

	// enqueueNotifier, when set, runs after every successful job insert
	// with the job's kind. Wired to the notify bus's wake publish at boot;
	// always best-effort and never part of the insert transaction.
	enqueueNotifier func(kind string)
}

// SetEnqueueNotifier installs the post-enqueue hook. Call once at boot,
// before any worker starts.
func (s *Store) SetEnqueueNotifier(fn func(kind string)) {
	s.enqueueNotifier = fn
}

// Open opens (creating if necessary) the sqlite database at path, applies
// any pending migrations, and bounds the connection pool at poolMaxSize.
func Open(ctx context.Context, path string, poolMinSize, poolMaxSize int) (*Store, error) {
	dsn := buildDSN(path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(poolMaxSize)
	db.SetMaxIdleConns(poolMinSize)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// buildDSN sets the connection pragmas in the DSN so every pooled
// connection gets them, not just the one a PRAGMA statement happens to
// run on: WAL for concurrent readers alongside the single writer, a busy
// timeout so writers queue instead of erroring, and foreign keys for the
// feed→episode→job cascades.
func buildDSN(path string) string {
	u := &url.URL{
		Scheme:   "file",
		Opaque:   path,
		RawQuery: "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
	}
	return u.String()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that need to compose a
// cross-entity transaction (e.g. discovery inserting an episode and
// enqueuing a job together).
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
