package aggregatestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Factory constructs an empty aggregate for id.
type Factory[T Aggregate] func(id string) T

// RehydratorOption configures a Rehydrator.
type RehydratorOption func(*rehydratorConfig)

type rehydratorConfig struct {
	logger    *logrus.Entry
	snapshots bool
}

// WithLogger sets the logger used for replay warnings.
func WithLogger(logger *logrus.Entry) RehydratorOption {
	return func(c *rehydratorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSnapshots enables or disables snapshot-accelerated loading. It is
// enabled by default.
func WithSnapshots(enabled bool) RehydratorOption {
	return func(c *rehydratorConfig) {
		c.snapshots = enabled
	}
}

// Rehydrator rebuilds aggregates from their event history, optionally
// starting from the latest snapshot.
type Rehydrator[T Aggregate] struct {
	session    Session
	serializer Serializer
	factory    Factory[T]
	logger     *logrus.Entry
	snapshots  bool
}

// NewRehydrator returns a Rehydrator reading from session.
func NewRehydrator[T Aggregate](session Session, serializer Serializer, factory Factory[T], opts ...RehydratorOption) *Rehydrator[T] {
	cfg := rehydratorConfig{
		logger:    logrus.NewEntry(logrus.StandardLogger()),
		snapshots: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Rehydrator[T]{
		session:    session,
		serializer: serializer,
		factory:    factory,
		logger:     cfg.logger,
		snapshots:  cfg.snapshots,
	}
}

// Load returns the current state of aggregateID. ok is false when the
// aggregate has neither events nor a snapshot.
//
// Aggregates implementing Snapshotter start from their latest snapshot when
// snapshots are enabled; all others are fully replayed.
func (r *Rehydrator[T]) Load(ctx context.Context, aggregateID string) (agg T, ok bool, err error) {
	strategy := "replay"
	if r.snapshots {
		strategy = "snapshot"
	}

	ctx, span := tracer.Start(ctx, "Rehydrator.Load",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrAggregateID.String(aggregateID),
			attrStrategy.String(strategy),
		),
	)
	defer span.End()
	start := time.Now()

	if strategy == "snapshot" {
		agg, ok, err = r.LoadFromSnapshot(ctx, aggregateID)
	} else {
		agg, ok, err = r.Replay(ctx, aggregateID)
	}

	loadDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attrStrategy.String(strategy)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return agg, false, err
	}
	if ok {
		span.SetAttributes(attrVersion.Int64(int64(agg.AggregateVersion())))
	}
	return agg, ok, nil
}

// Replay rebuilds aggregateID from its full history.
func (r *Rehydrator[T]) Replay(ctx context.Context, aggregateID string) (T, bool, error) {
	var zero T
	agg := r.factory(aggregateID)

	n, err := r.replay(ctx, agg, 0)
	if err != nil {
		return zero, false, err
	}
	if n == 0 {
		return zero, false, nil
	}
	return agg, true, nil
}

// LoadFromSnapshot restores the latest snapshot of aggregateID and replays
// only the envelopes written after it. Without a snapshot it behaves like
// Replay. A snapshot that cannot be restored is an error: it is never
// silently replaced by a replay that could hide the corruption.
func (r *Rehydrator[T]) LoadFromSnapshot(ctx context.Context, aggregateID string) (T, bool, error) {
	var zero T
	agg := r.factory(aggregateID)

	s, ok := any(agg).(Snapshotter)
	if !ok {
		return r.Replay(ctx, aggregateID)
	}

	snap, err := NewSnapshotManager(r.session).Latest(ctx, aggregateID)
	if err != nil {
		return zero, false, err
	}

	var from uint64
	if snap != nil {
		if err := s.SetMemento(snap.Payload); err != nil {
			return zero, false, fmt.Errorf("restore snapshot of %q at version %d: %w",
				aggregateID, snap.Version, &SerializationError{EventType: "memento:" + TypeName(agg), Err: err})
		}
		agg.SetAggregateVersion(snap.Version)
		from = snap.Version
		snapshotsLoaded.Add(ctx, 1)
	}

	n, err := r.replay(ctx, agg, from)
	if err != nil {
		return zero, false, err
	}
	if snap == nil && n == 0 {
		return zero, false, nil
	}
	return agg, true, nil
}

// replay applies every envelope after version from and returns how many
// envelopes were read, skipped ones included.
func (r *Rehydrator[T]) replay(ctx context.Context, agg T, from uint64) (int, error) {
	id := agg.AggregateID()

	iter, err := r.session.Events().ReadStream(ctx, id, from, 0)
	if err != nil {
		return 0, fmt.Errorf("read stream %q: %w", id, WrapStoreError("read stream", err))
	}
	defer iter.Close()

	expected := from + 1
	n := 0
	for iter.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		env := iter.Value()
		if env.Version != expected {
			return n, &InvariantError{
				AggregateID: id,
				Reason:      fmt.Sprintf("expected version %d during replay, got %d", expected, env.Version),
			}
		}

		event, err := r.serializer.Unmarshal(env.Payload, env.EventType)
		switch {
		case err == nil:
			if err := agg.ApplyEvent(event); err != nil {
				return n, fmt.Errorf("replay %s at version %d on aggregate %q: %w", env.EventType, env.Version, id, err)
			}
			eventsLoaded.Add(ctx, 1, metric.WithAttributes(attrEventType.String(env.EventType)))
		case errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrSerialization):
			r.logger.WithFields(logrus.Fields{
				"aggregate_id": id,
				"version":      env.Version,
				"event_type":   env.EventType,
				"event_id":     env.EventID.String(),
			}).WithError(err).Warn("skipping event during replay")
			eventsSkipped.Add(ctx, 1, metric.WithAttributes(attrEventType.String(env.EventType)))
		default:
			return n, err
		}

		agg.SetAggregateVersion(env.Version)
		expected++
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("read stream %q: %w", id, WrapStoreError("read stream", err))
	}
	return n, nil
}
