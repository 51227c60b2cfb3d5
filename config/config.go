// Package config builds the engine's components from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/eventbus/memory"
	memstore "github.com/terraskye/aggregatestore/eventstore/memory"
	"github.com/terraskye/aggregatestore/eventstore/postgres"
	"github.com/terraskye/aggregatestore/eventstore/sqlite"
	"github.com/terraskye/aggregatestore/outbox"
	"github.com/terraskye/aggregatestore/outbox/redis"
	"github.com/terraskye/aggregatestore/outbox/spool"
)

// Prefix is prepended to every variable name.
const Prefix = "AGGREGATESTORE_"

// Supported storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config describes how to assemble a storage, an event bus and an outbox
// relay.
type Config struct {
	Backend string `env:"BACKEND" envDefault:"memory"`

	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"aggregatestore.db"`
	SQLiteBusyTimeout time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`

	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`

	// SkipMigrations leaves the schema alone on Open.
	SkipMigrations bool `env:"SKIP_MIGRATIONS"`

	// SnapshotEvery snapshots each time the version crosses a multiple of it.
	// Zero disables snapshots.
	SnapshotEvery uint64 `env:"SNAPSHOT_EVERY" envDefault:"0"`

	BusQueueSize int    `env:"BUS_QUEUE_SIZE" envDefault:"256"`
	BusShards    int    `env:"BUS_SHARDS" envDefault:"4"`
	BusRetries   uint64 `env:"BUS_RETRIES" envDefault:"3"`

	RelayInterval time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	RelayBatch    int           `env:"RELAY_BATCH" envDefault:"100"`

	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"aggregatestore.notifications"`

	// SpoolDir, when set, relays notifications into a directory instead.
	SpoolDir string `env:"SPOOL_DIR"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from environment, a map of variable names
// including the prefix.
func LoadFrom(environment map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, fmt.Errorf("%sSQLITE_PATH is required for the sqlite backend", Prefix))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_DSN is required for the postgres backend", Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.BusQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%sBUS_QUEUE_SIZE must be positive", Prefix))
	}
	if c.BusShards <= 0 {
		errs = append(errs, fmt.Errorf("%sBUS_SHARDS must be positive", Prefix))
	}
	if c.RelayBatch <= 0 {
		errs = append(errs, fmt.Errorf("%sRELAY_BATCH must be positive", Prefix))
	}
	if c.RelayInterval <= 0 {
		errs = append(errs, fmt.Errorf("%sRELAY_INTERVAL must be positive", Prefix))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	return errors.Join(errs...)
}

// Logger returns a logrus entry at the configured level.
func (c Config) Logger() *logrus.Entry {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logrus.NewEntry(logger)
}

// Open returns the configured Storage. Database backends are migrated unless
// SkipMigrations is set.
func Open(ctx context.Context, cfg Config) (es.Storage, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return memstore.NewMemoryStore(), nil
	case BackendSQLite:
		opts := []sqlite.Option{sqlite.WithBusyTimeout(cfg.SQLiteBusyTimeout)}
		if cfg.SkipMigrations {
			opts = append(opts, sqlite.WithoutMigrations())
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		opts := []postgres.Option{postgres.WithMaxConns(cfg.PostgresMaxConns)}
		if cfg.SkipMigrations {
			opts = append(opts, postgres.WithoutMigrations())
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// SnapshotPolicy returns the commit snapshot policy.
func (c Config) SnapshotPolicy() es.SnapshotPolicy {
	if c.SnapshotEvery == 0 {
		return es.Never{}
	}
	return es.EveryN(c.SnapshotEvery)
}

// EventBusOptions returns the options of the in-memory event bus.
func (c Config) EventBusOptions(logger *logrus.Entry) []memory.Option {
	retries := c.BusRetries
	return []memory.Option{
		memory.WithQueueSize(c.BusQueueSize),
		memory.WithShards(c.BusShards),
		memory.WithLogger(logger),
		memory.WithRetry(func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 50 * time.Millisecond
			eb.MaxInterval = time.Second
			return backoff.WithMaxRetries(eb, retries)
		}),
	}
}

// RelayOptions returns the options of the outbox relay.
func (c Config) RelayOptions(logger *logrus.Entry) []outbox.Option {
	return []outbox.Option{
		outbox.WithBatchSize(c.RelayBatch),
		outbox.WithInterval(c.RelayInterval),
		outbox.WithLogger(logger),
	}
}

// RedisSink connects to RedisAddr and returns a sink on RedisChannel. It
// returns nil and no error when no address is configured.
func (c Config) RedisSink(ctx context.Context) (*redis.Sink, *goredis.Client, error) {
	if c.RedisAddr == "" {
		return nil, nil, nil
	}
	client, err := redis.Dial(ctx, c.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return redis.NewSink(client, c.RedisChannel), client, nil
}

// Sink returns the configured relay destination: Redis when an address is
// set, otherwise the spool directory. The returned close function releases
// the Redis client and is never nil. A nil Sink means no destination is
// configured.
func (c Config) Sink(ctx context.Context, logger *logrus.Entry) (outbox.Sink, func() error, error) {
	noop := func() error { return nil }
	if c.RedisAddr != "" {
		sink, client, err := c.RedisSink(ctx)
		if err != nil {
			return nil, noop, err
		}
		return sink, client.Close, nil
	}
	if c.SpoolDir != "" {
		s, err := spool.New(c.SpoolDir, spool.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, nil
}
