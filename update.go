package aggregatestore

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// UpdateOption configures Update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	// RetryStrategy defines how Update retries after a concurrency conflict.
	// Defaults to no retries.
	RetryStrategy backoff.BackOff

	// MustExist makes Update fail with ErrNotFound instead of starting from
	// an empty aggregate.
	MustExist bool
}

// WithRetryStrategy sets the retry strategy used on concurrency conflicts.
//
// Every attempt reloads the aggregate, so fn always runs against the latest
// committed state. Other errors are never retried.
//
// Usage:
//
//	agg, err := Update(ctx, repo, "acc-1", rename, WithRetryStrategy(backoff.NewExponentialBackOff()))
func WithRetryStrategy(strategy backoff.BackOff) UpdateOption {
	return func(o *updateOptions) { o.RetryStrategy = strategy }
}

// MustExist makes Update return ErrNotFound for unknown aggregates.
func MustExist() UpdateOption {
	return func(o *updateOptions) { o.MustExist = true }
}

// Update loads id from repo (or starts from an empty aggregate), runs fn on
// it and commits the result. fn typically calls business methods that Raise
// events. The committed aggregate is returned.
//
// Errors from fn are returned unchanged and are never retried.
func Update[T Aggregate](ctx context.Context, repo AggregateRepository[T], id string, fn func(agg T) error, opts ...UpdateOption) (T, error) {
	cfg := &updateOptions{
		RetryStrategy: &backoff.StopBackOff{},
	}
	for _, o := range opts {
		o(cfg)
	}

	return backoff.RetryWithData(func() (T, error) {
		var zero T

		agg, ok, err := repo.Load(ctx, id)
		if err != nil {
			return zero, backoff.Permanent(fmt.Errorf("update aggregate %q: load failed: %w", id, err))
		}
		if !ok {
			if cfg.MustExist {
				return zero, backoff.Permanent(fmt.Errorf("update aggregate %q: %w", id, ErrNotFound))
			}
			agg = repo.New(id)
		}

		if err := fn(agg); err != nil {
			return zero, backoff.Permanent(err)
		}

		if err := repo.Commit(ctx, agg); err != nil {
			if IsConflict(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return agg, nil
	}, backoff.WithContext(cfg.RetryStrategy, ctx))
}
