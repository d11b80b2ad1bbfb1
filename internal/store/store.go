// Package store implements the event log (spec.md §4.2): an append-only,
// idempotent, content-addressed store of chat events backed by embedded
// SQLite, with an incrementally-maintained FTS5 keyword index (§4.6) living
// in the same database and kept consistent by triggers.
//
// It follows the teacher's storage layer discipline: BEGIN IMMEDIATE for
// writers, idempotent migration functions guarded by existence checks so the
// log opens read-only against an older schema, and a single *sql.DB shared
// by readers under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // registers "sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"  // bundles the WASM sqlite3 build

	"github.com/cmemd/cmemd/internal/store/migrations"
)

// Store owns one project's event log database.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open opens (creating if necessary) the SQLite-backed event log at path,
// applies all pending idempotent migrations, and returns a ready Store.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	// _txlock=immediate makes every database/sql transaction acquire the
	// write lock at BEGIN time instead of at first write, avoiding the
	// upgrade-deadlock window plain "deferred" transactions leave open.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL gives concurrent readers their own connections internally

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys on %s: %w", path, err)
	}

	if err := migrations.Run(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event log %s: %w", path, err)
	}

	return &Store{db: db, path: path, log: log}, nil
}

// OpenReadOnly opens the log without attempting migrations, for degraded
// reads against an engine whose writer has hit a Fatal error (spec.md §7).
func OpenReadOnly(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log read-only %s: %w", path, err)
	}
	return &Store{db: db, path: path, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying connection for components (outbox, workingset,
// helpfulness, replicator cursors) that share this database file but live
// in their own packages.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a write transaction (BEGIN IMMEDIATE, see the
// _txlock DSN parameter in Open): commits on nil, rolls back on error or
// panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// now is overridable in tests.
var now = time.Now
