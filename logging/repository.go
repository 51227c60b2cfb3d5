package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
)

type repositoryLogger[T es.Aggregate] struct {
	logger *logrus.Entry
	next   es.AggregateRepository[T]
}

// WithRepositoryLogging wraps an AggregateRepository with logging
// functionality. Loads and commits are logged at debug level, failures at
// error level. Concurrency conflicts are expected under contention and are
// logged as warnings.
func WithRepositoryLogging[T es.Aggregate](logger *logrus.Entry, next es.AggregateRepository[T]) es.AggregateRepository[T] {
	return &repositoryLogger[T]{logger: logger, next: next}
}

func (r *repositoryLogger[T]) New(id string) T {
	return r.next.New(id)
}

func (r *repositoryLogger[T]) Load(ctx context.Context, id string) (T, bool, error) {
	l := r.logger.WithField("aggregate_id", id)

	agg, ok, err := r.next.Load(ctx, id)
	if err != nil {
		l.WithError(err).Error("Load failed")
		return agg, ok, err
	}
	if !ok {
		l.Debug("Load: aggregate not found")
		return agg, ok, nil
	}
	l.WithField("version", agg.AggregateVersion()).Debug("Load")
	return agg, ok, nil
}

func (r *repositoryLogger[T]) Commit(ctx context.Context, agg T) error {
	l := r.logger.WithFields(logrus.Fields{
		"aggregate_id":  agg.AggregateID(),
		"aggregate":     es.TypeName(agg),
		"version":       agg.AggregateVersion(),
		"events":        len(agg.UncommittedEvents()),
		"notifications": len(agg.UncommittedNotifications()),
	})
	l.Debug("Commit")

	err := r.next.Commit(ctx, agg)
	switch {
	case err == nil:
		l.WithField("next_version", agg.AggregateVersion()).Info("Committed")
	case es.IsConflict(err):
		l.WithError(err).Warn("Commit conflict")
	default:
		l.WithError(err).Error("Commit failed")
	}
	return err
}
