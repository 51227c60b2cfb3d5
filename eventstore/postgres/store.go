// Package postgres implements Storage on PostgreSQL through a pgx connection
// pool.
//
// Writers of the same stream are serialized with a transaction scoped
// advisory lock; the unique (aggregate_id, version) constraint backs it up.
// Notification appends take a single lock for the whole log, so global
// positions of notifications become visible in order and a position based
// reader such as the outbox relay never steps over an uncommitted one.
// Domain event positions carry no such guarantee.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	es "github.com/terraskye/aggregatestore"
)

// Option configures Open.
type Option func(*options)

type options struct {
	maxConns       int32
	skipMigrations bool
}

// WithMaxConns caps the size of the connection pool.
func WithMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithoutMigrations opens the store without touching the schema.
func WithoutMigrations() Option {
	return func(o *options) {
		o.skipMigrations = true
	}
}

// Store is a Storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ es.Storage = (*Store)(nil)

// Open connects to dsn and applies the embedded migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.maxConns > 0 {
		poolCfg.MaxConns = cfg.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if !cfg.skipMigrations {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool. The schema must be migrated.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapError("begin", err)
	}
	return &pgTx{store: s, tx: tx, ctx: ctx}, nil
}

// Close closes every connection of the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return mapError("commit", tx.Commit(ctx))
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
