// Package outbox forwards the notification log to external systems.
//
// A Relay reads notification envelopes in global order after a checkpoint
// and hands them to a Sink. The checkpoint only moves once the sink accepted
// an envelope, so delivery is at least once.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/terraskye/aggregatestore/outbox")

var (
	relayed, _ = meter.Int64Counter(
		"aggregatestore.outbox.relayed",
		metric.WithDescription("Notification envelopes accepted by a sink"),
		metric.WithUnit("{event}"),
	)
	relayFailures, _ = meter.Int64Counter(
		"aggregatestore.outbox.failures",
		metric.WithDescription("Relay batches interrupted by an error"),
		metric.WithUnit("{error}"),
	)
)

var attrRelay = attribute.Key("aggregatestore.outbox.relay")

// Sink receives notification envelopes.
type Sink interface {
	Send(ctx context.Context, env *es.Envelope) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, env *es.Envelope) error

func (f SinkFunc) Send(ctx context.Context, env *es.Envelope) error {
	return f(ctx, env)
}

// PublisherSink forwards envelopes to a Publisher such as an EventBus, marked
// as notifications.
func PublisherSink(p es.Publisher) Sink {
	return SinkFunc(func(ctx context.Context, env *es.Envelope) error {
		return p.Publish(es.WithLog(ctx, es.NotificationLog), env)
	})
}

// CheckpointStore persists the position a relay has reached.
type CheckpointStore interface {
	Load(ctx context.Context, name string) (uint64, error)
	Save(ctx context.Context, name string, position uint64) error
}

// MemoryCheckpoints is a CheckpointStore that forgets everything on restart.
type MemoryCheckpoints struct {
	mu        sync.Mutex
	positions map[string]uint64
}

// NewMemoryCheckpoints returns an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{positions: make(map[string]uint64)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[name], nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, name string, position uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[name] = position
	return nil
}

// Option configures a Relay.
type Option func(*Relay)

// WithBatchSize sets how many envelopes one Drain reads at most.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithInterval sets the pause between two polls when the log is idle.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithCheckpointStore sets where the relay keeps its position.
func WithCheckpointStore(c CheckpointStore) Option {
	return func(r *Relay) {
		if c != nil {
			r.checkpoints = c
		}
	}
}

// WithLogger sets the logger used for relay failures.
func WithLogger(logger *logrus.Entry) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventTypes restricts the relay to the given notification types.
func WithEventTypes(types ...string) Option {
	return func(r *Relay) {
		r.types = types
	}
}

// Relay copies the notification log of a Session to a Sink.
type Relay struct {
	name        string
	source      es.EnvelopeStore
	sink        Sink
	checkpoints CheckpointStore
	batchSize   int
	interval    time.Duration
	types       []string
	logger      *logrus.Entry
}

// NewRelay returns a relay named name reading the notification log of session.
// The name keys the checkpoint.
func NewRelay(name string, session es.Session, sink Sink, opts ...Option) *Relay {
	r := &Relay{
		name:        name,
		source:      session.Notifications(),
		sink:        sink,
		checkpoints: NewMemoryCheckpoints(),
		batchSize:   100,
		interval:    time.Second,
		logger:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Position returns the global position of the last relayed envelope.
func (r *Relay) Position(ctx context.Context) (uint64, error) {
	return r.checkpoints.Load(ctx, r.name)
}

// Drain relays at most one batch and returns how many envelopes the sink
// accepted. It stops at the first sink failure; that envelope is retried on
// the next call.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	sent, _, err := r.drain(ctx)
	return sent, err
}

// drain also reports how many envelopes it read, filtered ones included.
func (r *Relay) drain(ctx context.Context) (sent, read int, err error) {
	pos, err := r.checkpoints.Load(ctx, r.name)
	if err != nil {
		return 0, 0, fmt.Errorf("relay %q: load checkpoint: %w", r.name, err)
	}

	criteria := es.NewCriteria().AfterPosition(pos).Limit(r.batchSize)
	it, err := r.source.Query(ctx, criteria)
	if err != nil {
		return 0, 0, fmt.Errorf("relay %q: read notifications: %w", r.name, err)
	}
	defer it.Close()

	attrs := metric.WithAttributes(attrRelay.String(r.name))
	for it.Next(ctx) {
		env := it.Value()
		read++
		if len(r.types) == 0 || slices.Contains(r.types, env.EventType) {
			if err := r.sink.Send(ctx, env); err != nil {
				relayFailures.Add(ctx, 1, attrs)
				return sent, read, fmt.Errorf("relay %q: send %s at position %d: %w", r.name, env.EventType, env.GlobalVersion, err)
			}
			sent++
			relayed.Add(ctx, 1, attrs)
		}
		if err := r.checkpoints.Save(ctx, r.name, env.GlobalVersion); err != nil {
			return sent, read, fmt.Errorf("relay %q: save checkpoint: %w", r.name, err)
		}
	}
	if err := it.Err(); err != nil {
		return sent, read, fmt.Errorf("relay %q: read notifications: %w", r.name, err)
	}
	return sent, read, nil
}

// Run drains the notification log until ctx is done. Full batches, filtered
// ones included, are followed immediately by the next one; otherwise the relay waits for the
// poll interval. Failures are logged and retried after the interval.
func (r *Relay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		_, read, err := r.drain(ctx)
		switch {
		case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return nil
		case err != nil:
			r.logger.WithField("relay", r.name).WithError(err).Warn("outbox relay failed")
			timer.Reset(r.interval)
		case read >= r.batchSize:
			timer.Reset(0)
		default:
			timer.Reset(r.interval)
		}
	}
}
