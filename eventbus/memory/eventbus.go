// Package memory implements an in-process EventBus. Every subscriber owns a
// fixed set of bounded queues; envelopes of one aggregate always land in the
// same queue, so their delivery order matches the commit order.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
)

// ErrQueueFull is returned by Publish when at least one envelope was dropped.
var ErrQueueFull = errors.New("subscriber queue is full")

// Option configures the bus.
type Option func(*eventBus)

// WithQueueSize sets the capacity of each subscriber queue.
func WithQueueSize(n int) Option {
	return func(b *eventBus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithShards sets how many queues, and worker goroutines, each subscriber gets.
func WithShards(n int) Option {
	return func(b *eventBus) {
		if n > 0 {
			b.shards = n
		}
	}
}

// WithRetry sets the backoff used when a handler fails. A new BackOff is
// requested for every delivery.
func WithRetry(fn func() backoff.BackOff) Option {
	return func(b *eventBus) {
		if fn != nil {
			b.retry = fn
		}
	}
}

// WithLogger sets the logger used for dropped and undeliverable envelopes.
func WithLogger(logger *logrus.Entry) Option {
	return func(b *eventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSerializer lets the bus decode envelopes that arrive without their event.
func WithSerializer(s es.Serializer) Option {
	return func(b *eventBus) {
		b.serializer = s
	}
}

// DefaultRetry retries a failing handler three times with a short
// exponential backoff.
func DefaultRetry() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	return backoff.WithMaxRetries(eb, 3)
}

type subscriber struct {
	name    string
	handler es.EventHandler
	cfg     es.SubscriberConfig
	queues  []chan delivery
	cancel  context.CancelFunc
}

type delivery struct {
	env *es.Envelope
	log es.Log
}

func (s *subscriber) accepts(env *es.Envelope, log es.Log) bool {
	if !slices.Contains(s.cfg.Logs, log) {
		return false
	}
	return s.cfg.Filter == nil || s.cfg.Filter(env)
}

type eventBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	done   chan struct{}
	errs   chan error
	wg     sync.WaitGroup

	queueSize  int
	shards     int
	retry      func() backoff.BackOff
	logger     *logrus.Entry
	serializer es.Serializer
}

var _ es.EventBus = (*eventBus)(nil)

// NewEventBus constructs a new bus.
func NewEventBus(opts ...Option) es.EventBus {
	b := &eventBus{
		subs:      make(map[string]*subscriber),
		done:      make(chan struct{}),
		errs:      make(chan error, 64),
		queueSize: 256,
		shards:    4,
		retry:     DefaultRetry,
		logger:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler under a unique name.
func (b *eventBus) Subscribe(ctx context.Context, name string, handler es.EventHandler, opts ...es.SubscriberOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return es.ErrBusClosed
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q: %w", name, es.ErrDuplicateHandler)
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscriber{
		name:    name,
		handler: handler,
		cfg:     es.NewSubscriberConfig(opts...),
		queues:  make([]chan delivery, b.shards),
		cancel:  cancel,
	}
	for i := range s.queues {
		s.queues[i] = make(chan delivery, b.queueSize)
		b.wg.Add(1)
		go b.runWorker(workerCtx, s, s.queues[i])
	}
	b.subs[name] = s

	// Unsubscribe once the caller's ctx finishes.
	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name, s)
		case <-b.done:
		}
	}()

	return nil
}

func (b *eventBus) Errors() <-chan error {
	return b.errs
}

// Publish queues envelopes for every matching subscriber. The log of the
// envelopes is taken from ctx (see aggregatestore.WithLog). Publish never
// blocks: an envelope that does not fit in a full queue is dropped and
// reported.
func (b *eventBus) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return es.ErrBusClosed
	}

	log := es.LogFromContext(ctx)
	dropped := 0
	for _, env := range envelopes {
		if env == nil {
			continue
		}
		shard := shardOf(env.AggregateID, b.shards)
		for _, s := range b.subs {
			if !s.accepts(env, log) {
				continue
			}
			select {
			case s.queues[shard] <- delivery{env: env, log: log}:
			default:
				dropped++
				b.logger.WithFields(logrus.Fields{
					"subscriber":   s.name,
					"aggregate_id": env.AggregateID,
					"version":      env.Version,
					"event_type":   env.EventType,
				}).Warn("subscriber queue full, dropping envelope")
			}
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d envelopes", ErrQueueFull, dropped)
	}
	return nil
}

// Close stops accepting envelopes, lets the workers drain their queues and
// waits for them.
func (b *eventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)

	subs := make([]*subscriber, 0, len(b.subs))
	for name, s := range b.subs {
		for _, q := range s.queues {
			close(q)
		}
		subs = append(subs, s)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, s := range subs {
		s.cancel()
	}
	close(b.errs)
	return nil
}

func (b *eventBus) removeSubscriber(name string, s *subscriber) {
	b.mu.Lock()
	current, ok := b.subs[name]
	if !ok || current != s {
		b.mu.Unlock()
		return
	}
	delete(b.subs, name)
	for _, q := range s.queues {
		close(q)
	}
	b.mu.Unlock()

	s.cancel()
}

func (b *eventBus) runWorker(ctx context.Context, s *subscriber, queue <-chan delivery) {
	defer b.wg.Done()
	for d := range queue {
		if ctx.Err() != nil {
			continue
		}
		b.deliver(es.WithLog(ctx, d.log), s, d.env)
	}
}

func (b *eventBus) deliver(ctx context.Context, s *subscriber, env *es.Envelope) {
	fields := logrus.Fields{
		"subscriber":   s.name,
		"aggregate_id": env.AggregateID,
		"version":      env.Version,
		"event_type":   env.EventType,
	}

	event := env.Event
	if event == nil && b.serializer != nil {
		decoded, err := b.serializer.Unmarshal(env.Payload, env.EventType)
		if err != nil {
			b.logger.WithFields(fields).WithError(err).Warn("cannot decode envelope, skipping")
			return
		}
		event = decoded
	}
	if event == nil {
		b.logger.WithFields(fields).Warn("envelope without event, skipping")
		return
	}

	hctx := es.WithEnvelope(ctx, env)
	err := backoff.Retry(func() error {
		err := s.handler.Handle(hctx, event)
		if errors.Is(err, &es.ErrSkippedEvent{}) {
			return nil
		}
		return err
	}, backoff.WithContext(b.retry(), ctx))
	if err == nil || ctx.Err() != nil {
		return
	}

	b.logger.WithFields(fields).WithError(err).Error("event handler failed")
	select {
	case b.errs <- fmt.Errorf("handler %q: %s at version %d of %q: %w", s.name, env.EventType, env.Version, env.AggregateID, err):
	default:
		// Drop error if channel full
	}
}

func shardOf(aggregateID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(shards))
}
