// Package sqlite implements Storage on SQLite through modernc.org/sqlite.
//
// The database is opened in WAL mode and every transaction starts with
// BEGIN IMMEDIATE, so writers are serialized and the version check inside a
// transaction cannot race with another writer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	es "github.com/terraskye/aggregatestore"
)

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout    time.Duration
	skipMigrations bool
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithoutMigrations opens the store without touching the schema.
func WithoutMigrations() Option {
	return func(o *options) {
		o.skipMigrations = true
	}
}

// DSN returns the connection string used for the database file at path.
func DSN(path string, busyTimeout time.Duration) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "synchronous(NORMAL)")
	v.Set("_txlock", "immediate")
	return "file:" + path + "?" + v.Encode()
}

// Store is a Storage backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ es.Storage = (*Store)(nil)

// Open opens the database file at path, creating it when needed, and applies
// the embedded migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cfg := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", DSN(path, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if !cfg.skipMigrations {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// New wraps an already opened database. The schema must be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Events() es.EnvelopeStore {
	return &envelopeTable{store: s, log: es.DomainLog}
}

func (s *Store) Notifications() es.EnvelopeStore {
	return &envelopeTable{store: s, log: es.NotificationLog}
}

func (s *Store) Snapshots() es.SnapshotStore {
	return &snapshotTable{store: s}
}

func (s *Store) Begin(ctx context.Context) (es.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError("begin", err)
	}
	return &sqlTx{store: s, tx: tx}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapError("commit", tx.Commit())
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
