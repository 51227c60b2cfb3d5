package aggregatestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var now = time.Now

// CommitState is the progress of a single Commit call.
type CommitState int

const (
	CommitPending CommitState = iota
	CommitAppending
	CommitCommitted
	CommitFailed
)

func (s CommitState) String() string {
	switch s {
	case CommitPending:
		return "pending"
	case CommitAppending:
		return "appending"
	case CommitCommitted:
		return "committed"
	case CommitFailed:
		return "failed"
	default:
		return fmt.Sprintf("CommitState(%d)", int(s))
	}
}

// MetadataExtractor derives envelope metadata from the commit context.
type MetadataExtractor func(ctx context.Context) map[string]string

// CommitOption configures a CommitCoordinator.
type CommitOption func(*CommitCoordinator)

// WithSnapshotPolicy makes commits capture a snapshot, in the same
// transaction, whenever policy says so.
func WithSnapshotPolicy(policy SnapshotPolicy) CommitOption {
	return func(c *CommitCoordinator) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// WithPublisher hands committed envelopes to p after each successful commit.
func WithPublisher(p Publisher) CommitOption {
	return func(c *CommitCoordinator) {
		c.publisher = p
	}
}

// WithMetadataExtractor sets the function that fills envelope metadata.
func WithMetadataExtractor(fn MetadataExtractor) CommitOption {
	return func(c *CommitCoordinator) {
		c.metadata = fn
	}
}

// WithCommitLogger sets the logger used for non fatal commit problems.
func WithCommitLogger(logger *logrus.Entry) CommitOption {
	return func(c *CommitCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStateObserver registers fn to be called on every commit state change.
func WithStateObserver(fn func(aggregateID string, state CommitState)) CommitOption {
	return func(c *CommitCoordinator) {
		c.observer = fn
	}
}

// CommitCoordinator persists the uncommitted events and notifications of an
// aggregate as one unit of work.
type CommitCoordinator struct {
	storage    Storage
	serializer Serializer
	policy     SnapshotPolicy
	publisher  Publisher
	metadata   MetadataExtractor
	logger     *logrus.Entry
	observer   func(string, CommitState)
}

// NewCommitCoordinator returns a coordinator writing to storage.
func NewCommitCoordinator(storage Storage, serializer Serializer, opts ...CommitOption) *CommitCoordinator {
	c := &CommitCoordinator{
		storage:    storage,
		serializer: serializer,
		policy:     Never{},
		logger:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit appends the uncommitted domain events of agg to the domain log and
// its uncommitted notifications to the notification log in one transaction.
//
// The domain append expects the stream to be exactly at agg's version; if
// another writer got there first a *ConcurrencyConflictError is returned.
// On any error nothing is written and agg is left untouched, so the caller
// may reload and retry. On success agg's version is advanced, both queues
// are cleared and the envelopes are handed to the publisher.
func (c *CommitCoordinator) Commit(ctx context.Context, agg Aggregate) (err error) {
	events := agg.UncommittedEvents()
	notifications := agg.UncommittedNotifications()
	if len(events) == 0 && len(notifications) == 0 {
		return nil
	}

	id := agg.AggregateID()
	base := agg.AggregateVersion()
	next := base + uint64(len(events))

	ctx, span := tracer.Start(ctx, "CommitCoordinator.Commit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrAggregateID.String(id),
			attrAggregateType.String(TypeName(agg)),
			attrVersion.Int64(int64(base)),
			attrEventCount.Int(len(events)),
		),
	)
	defer span.End()
	start := time.Now()

	c.observe(id, CommitPending)
	defer func() {
		commitDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			c.observe(id, CommitFailed)
			if IsConflict(err) {
				concurrencyConflicts.Add(ctx, 1, metric.WithAttributes(attrAggregateType.String(TypeName(agg))))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			err = fmt.Errorf("commit aggregate %q: %w", id, err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	var metadata map[string]string
	if c.metadata != nil {
		metadata = c.metadata(ctx)
	}

	domain, err := c.envelopes(id, base, events, metadata)
	if err != nil {
		return err
	}

	c.observe(id, CommitAppending)

	var outbox []Envelope
	err = WithinTx(ctx, c.storage, func(tx Transaction) error {
		if len(domain) > 0 {
			if _, err := tx.Events().Append(ctx, Revision(base), domain...); err != nil {
				return err
			}
		}

		if len(notifications) > 0 {
			current, err := tx.Notifications().Version(ctx, id)
			if err != nil {
				return err
			}
			outbox, err = c.envelopes(id, current, notifications, metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Notifications().Append(ctx, Revision(current), outbox...); err != nil {
				return err
			}
		}

		if len(events) > 0 && c.policy.ShouldSnapshot(base, next) {
			if err := c.snapshot(ctx, tx, agg, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	agg.SetAggregateVersion(next)
	agg.ClearUncommittedEvents()
	c.observe(id, CommitCommitted)

	eventsAppended.Add(ctx, int64(len(domain)), metric.WithAttributes(attrLog.String(string(DomainLog))))
	if len(outbox) > 0 {
		eventsAppended.Add(ctx, int64(len(outbox)), metric.WithAttributes(attrLog.String(string(NotificationLog))))
	}

	c.publish(ctx, domain, outbox)
	return nil
}

func (c *CommitCoordinator) envelopes(id string, base uint64, events []Event, metadata map[string]string) ([]Envelope, error) {
	out := make([]Envelope, len(events))
	created := now().UTC()
	for i, ev := range events {
		payload, err := c.serializer.Marshal(ev)
		if err != nil {
			return nil, err
		}
		var md map[string]string
		if len(metadata) > 0 {
			md = make(map[string]string, len(metadata))
			for k, v := range metadata {
				md[k] = v
			}
		}
		out[i] = Envelope{
			EventID:     uuid.New(),
			AggregateID: id,
			Version:     base + uint64(i) + 1,
			EventType:   ev.EventType(),
			Payload:     payload,
			Metadata:    md,
			CreatedOn:   created,
			Event:       ev,
		}
	}
	return out, nil
}

// snapshot captures agg at version inside tx. A memento that cannot be
// produced only costs the snapshot, not the commit.
func (c *CommitCoordinator) snapshot(ctx context.Context, tx Transaction, agg Aggregate, version uint64) error {
	s, ok := agg.(Snapshotter)
	if !ok {
		return nil
	}
	memento, err := s.Memento()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"aggregate_id": agg.AggregateID(),
			"version":      version,
		}).WithError(err).Warn("skipping snapshot, memento failed")
		return nil
	}
	return NewSnapshotManager(tx).Save(ctx, agg.AggregateID(), version, memento)
}

func (c *CommitCoordinator) publish(ctx context.Context, domain, outbox []Envelope) {
	if c.publisher == nil {
		return
	}
	// The commit already succeeded; the caller's cancellation must not reach
	// subscribers.
	ctx = context.WithoutCancel(ctx)
	c.publishLog(ctx, DomainLog, domain)
	c.publishLog(ctx, NotificationLog, outbox)
}

func (c *CommitCoordinator) publishLog(ctx context.Context, log Log, envelopes []Envelope) {
	if len(envelopes) == 0 {
		return
	}
	envs := make([]*Envelope, len(envelopes))
	for i := range envelopes {
		envs[i] = &envelopes[i]
	}
	if err := c.publisher.Publish(WithLog(ctx, log), envs...); err != nil && !errors.Is(err, ErrBusClosed) {
		c.logger.WithFields(logrus.Fields{
			"aggregate_id": envelopes[0].AggregateID,
			"log":          string(log),
		}).WithError(err).Warn("publish after commit failed")
	}
}

func (c *CommitCoordinator) observe(id string, state CommitState) {
	if c.observer != nil {
		c.observer(id, state)
	}
}
