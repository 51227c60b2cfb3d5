package otel

import (
	"context"
	"time"

	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type telemetryRepository[T es.Aggregate] struct {
	next          es.AggregateRepository[T]
	cfg           *config
	aggregateType string
}

// WithRepositoryTelemetry wraps an AggregateRepository with OpenTelemetry
// tracing and metrics.
//
// Load and Commit each get an internal span carrying the aggregate id, type
// and resulting version. Metrics recorded:
//   - RepositoryInFlight: operations currently running.
//   - RepositoryDuration: duration in milliseconds, per operation.
//   - RepositoryLoads and RepositoryCommits: successful operations.
//   - RepositoryFailures: failed operations.
//   - ConcurrencyConflicts: commits rejected by a concurrency conflict.
//
// A conflict is recorded as a span event as well, since it is an expected
// outcome that the caller resolves by reloading.
//
// Example Usage:
//
//	repo := otel.WithRepositoryTelemetry[*Account](
//	    aggregatestore.NewRepository(storage, serializer, NewAccount),
//	)
func WithRepositoryTelemetry[T es.Aggregate](next es.AggregateRepository[T], options ...Option) es.AggregateRepository[T] {
	var zero T
	return &telemetryRepository[T]{
		next:          next,
		cfg:           newConfig(options),
		aggregateType: es.TypeName(zero),
	}
}

func (r *telemetryRepository[T]) New(id string) T {
	return r.next.New(id)
}

func (r *telemetryRepository[T]) start(ctx context.Context, op, id string) (context.Context, trace.Span, func(error)) {
	attr := r.cfg.attributes(ctx,
		AttrOperation.String(op),
		AttrAggregateType.String(r.aggregateType),
		AttrAggregateID.String(id),
	)
	ctx, span := r.cfg.Tracer.Start(ctx, "repository."+op+" "+r.aggregateType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attr...),
	)

	metricAttrs := metric.WithAttributes(
		AttrOperation.String(op),
		AttrAggregateType.String(r.aggregateType),
	)
	RepositoryInFlight.Add(ctx, 1, metricAttrs)
	startTime := time.Now()

	return ctx, span, func(err error) {
		RepositoryInFlight.Add(ctx, -1, metricAttrs)
		RepositoryDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttrs)
		if err != nil {
			RepositoryFailures.Add(ctx, 1, metricAttrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (r *telemetryRepository[T]) Load(ctx context.Context, id string) (T, bool, error) {
	ctx, span, done := r.start(ctx, "load", id)

	agg, ok, err := r.next.Load(ctx, id)
	span.SetAttributes(AttrFound.Bool(ok))
	if err == nil && ok {
		span.SetAttributes(AttrVersion.Int64(int64(agg.AggregateVersion())))
		RepositoryLoads.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(r.aggregateType)))
	}
	done(err)
	return agg, ok, err
}

func (r *telemetryRepository[T]) Commit(ctx context.Context, agg T) error {
	ctx, span, done := r.start(ctx, "commit", agg.AggregateID())
	span.SetAttributes(
		AttrEventCount.Int(len(agg.UncommittedEvents())),
		attribute.Int("aggregatestore.notifications.count", len(agg.UncommittedNotifications())),
	)

	err := r.next.Commit(ctx, agg)
	if es.IsConflict(err) {
		ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(r.aggregateType)))
		span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrAggregateID.String(agg.AggregateID())))
	}
	if err == nil {
		span.SetAttributes(AttrVersion.Int64(int64(agg.AggregateVersion())))
		RepositoryCommits.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(r.aggregateType)))
	}
	done(err)
	return err
}
