package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ es.Storage       = (*TelemetryStorage)(nil)
	_ es.Transaction   = (*telemetryTx)(nil)
	_ es.EnvelopeStore = (*telemetryLog)(nil)
	_ es.SnapshotStore = (*telemetrySnapshots)(nil)
)

// TelemetryStorage wraps a Storage with spans and metrics. Appended envelopes
// carry the trace context of the append in their metadata so that consumers
// can link back to the producing trace.
type TelemetryStorage struct {
	next es.Storage
	cfg  *config
}

// WithTelemetry wraps next with OpenTelemetry tracing and metrics.
//
// Example Usage:
//
//	storage := otel.WithTelemetry(sqliteStore,
//	    otel.WithAttributes(attribute.String("service", "accounts")),
//	)
//	repo := aggregatestore.NewRepository(storage, serializer, NewAccount)
func WithTelemetry(next es.Storage, options ...Option) *TelemetryStorage {
	return &TelemetryStorage{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStorage) Events() es.EnvelopeStore {
	return &telemetryLog{next: t.next.Events(), log: es.DomainLog, cfg: t.cfg}
}

func (t *TelemetryStorage) Notifications() es.EnvelopeStore {
	return &telemetryLog{next: t.next.Notifications(), log: es.NotificationLog, cfg: t.cfg}
}

func (t *TelemetryStorage) Snapshots() es.SnapshotStore {
	return &telemetrySnapshots{next: t.next.Snapshots(), cfg: t.cfg}
}

// Begin starts a transaction whose span ends on Commit or Rollback.
func (t *TelemetryStorage) Begin(ctx context.Context) (es.Transaction, error) {
	ctx, span := t.cfg.Tracer.Start(ctx, "Storage.Transaction",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrOperation.String("begin"))...),
	)
	tx, err := t.next.Begin(ctx)
	if err != nil {
		StoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("begin")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &telemetryTx{next: tx, ctx: ctx, span: span, start: time.Now(), cfg: t.cfg}, nil
}

// Close just forwards
func (t *TelemetryStorage) Close() error {
	return t.next.Close()
}

type telemetryTx struct {
	next  es.Transaction
	ctx   context.Context
	span  trace.Span
	start time.Time
	cfg   *config
}

func (t *telemetryTx) Events() es.EnvelopeStore {
	return &telemetryLog{next: t.next.Events(), log: es.DomainLog, cfg: t.cfg}
}

func (t *telemetryTx) Notifications() es.EnvelopeStore {
	return &telemetryLog{next: t.next.Notifications(), log: es.NotificationLog, cfg: t.cfg}
}

func (t *telemetryTx) Snapshots() es.SnapshotStore {
	return &telemetrySnapshots{next: t.next.Snapshots(), cfg: t.cfg}
}

func (t *telemetryTx) Commit() error {
	return t.finish("commit", t.next.Commit())
}

func (t *telemetryTx) Rollback() error {
	return t.finish("rollback", t.next.Rollback())
}

func (t *telemetryTx) finish(op string, err error) error {
	attrs := metric.WithAttributes(AttrOperation.String(op))
	StoreOperations.Add(t.ctx, 1, attrs)
	StoreDuration.Record(t.ctx, float64(time.Since(t.start).Milliseconds()), attrs)
	t.span.SetAttributes(AttrOperation.String(op))
	if err != nil && !errors.Is(err, es.ErrTxDone) {
		StoreErrors.Add(t.ctx, 1, attrs)
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	}
	t.span.End()
	return err
}

type telemetryLog struct {
	next es.EnvelopeStore
	log  es.Log
	cfg  *config
}

// Append with metrics + span
func (t *telemetryLog) Append(ctx context.Context, expected es.StreamState, envelopes ...es.Envelope) (es.AppendResult, error) {
	var aggregateID string
	if len(envelopes) > 0 {
		aggregateID = envelopes[0].AggregateID
	}

	ctx, span := t.cfg.Tracer.Start(ctx, "EnvelopeStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrLog.String(string(t.log)),
			AttrAggregateID.String(aggregateID),
			AttrExpected.String(expected.String()),
			AttrEventCount.Int(len(envelopes)),
		)...),
	)
	defer span.End()

	envelopes = t.inject(ctx, span, envelopes)

	start := time.Now()
	result, err := t.next.Append(ctx, expected, envelopes...)
	attrs := metric.WithAttributes(AttrOperation.String("append"), AttrLog.String(string(t.log)))
	StoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	StoreOperations.Add(ctx, 1, attrs)

	if err != nil {
		StoreErrors.Add(ctx, 1, attrs)
		if es.IsConflict(err) {
			span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrAggregateID.String(aggregateID)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	EventsAppended.Add(ctx, int64(len(envelopes)), metric.WithAttributes(AttrLog.String(string(t.log))))
	span.SetAttributes(
		AttrVersion.Int64(int64(result.NextExpectedVersion)),
		AttrEventGlobalPos.Int64(int64(result.LastGlobalVersion)),
	)
	return result, nil
}

// inject returns copies of envelopes whose metadata carries the trace
// context, the correlation id and, inside an event handler, the causing
// event id. The caller's metadata maps are left untouched.
func (t *telemetryLog) inject(ctx context.Context, span trace.Span, envelopes []es.Envelope) []es.Envelope {
	carrier := propagation.MapCarrier{}
	t.cfg.Propagator.Inject(ctx, carrier)

	var correlationID string
	if span.SpanContext().HasTraceID() {
		correlationID = span.SpanContext().TraceID().String()
	}
	var causationID string
	if id := es.EventIDFromContext(ctx); id != uuid.Nil {
		causationID = id.String()
	}
	if len(carrier) == 0 && correlationID == "" && causationID == "" {
		return envelopes
	}

	out := make([]es.Envelope, len(envelopes))
	for i, env := range envelopes {
		md := make(map[string]string, len(env.Metadata)+len(carrier)+2)
		for k, v := range env.Metadata {
			md[k] = v
		}
		for k, v := range carrier {
			md[k] = v
		}
		if correlationID != "" {
			if _, ok := md[es.MetadataCorrelationID]; !ok {
				md[es.MetadataCorrelationID] = correlationID
			}
		}
		if causationID != "" {
			md[es.MetadataCausationID] = causationID
		}
		env.Metadata = md
		out[i] = env
	}
	return out
}

// ReadStream with inline tracing middleware
func (t *telemetryLog) ReadStream(ctx context.Context, aggregateID string, fromVersion uint64, limit int) (*es.Iterator[*es.Envelope], error) {
	ctx, span := t.cfg.Tracer.Start(ctx, "EnvelopeStore.ReadStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("read_stream"),
			AttrLog.String(string(t.log)),
			AttrAggregateID.String(aggregateID),
			AttrEventStreamPos.Int64(int64(fromVersion)),
		)...),
	)
	iter, err := t.next.ReadStream(ctx, aggregateID, fromVersion, limit)
	return t.traceIterator(ctx, span, "read_stream", iter, err)
}

// Query with inline tracing middleware
func (t *telemetryLog) Query(ctx context.Context, criteria es.Criteria) (*es.Iterator[*es.Envelope], error) {
	attrs := []attribute.KeyValue{
		AttrOperation.String("query"),
		AttrLog.String(string(t.log)),
	}
	if criteria.AggregateID != "" {
		attrs = append(attrs, AttrAggregateID.String(criteria.AggregateID))
	}
	if criteria.FromPosition > 0 {
		attrs = append(attrs, AttrEventGlobalPos.Int64(int64(criteria.FromPosition)))
	}
	ctx, span := t.cfg.Tracer.Start(ctx, "EnvelopeStore.Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, attrs...)...),
	)
	iter, err := t.next.Query(ctx, criteria)
	return t.traceIterator(ctx, span, "query", iter, err)
}

// traceIterator keeps span open until iter is drained or closed.
func (t *telemetryLog) traceIterator(ctx context.Context, span trace.Span, op string, iter *es.Iterator[*es.Envelope], err error) (*es.Iterator[*es.Envelope], error) {
	attrs := metric.WithAttributes(AttrOperation.String(op), AttrLog.String(string(t.log)))
	StoreOperations.Add(ctx, 1, attrs)
	if err != nil {
		StoreErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return iter, err
	}

	startedAt := time.Now()
	var eventCount int64

	return es.NewIteratorWithClose(func(ctx context.Context) (*es.Envelope, error) {
		if !iter.Next(ctx) {
			if err := iter.Err(); err != nil {
				StoreErrors.Add(ctx, 1, attrs)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			return nil, io.EOF
		}
		eventCount++
		EventsLoaded.Add(ctx, 1, metric.WithAttributes(AttrLog.String(string(t.log))))
		return iter.Value(), nil
	}, func() error {
		err := iter.Close()
		span.SetAttributes(AttrEventCount.Int64(eventCount))
		StoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), attrs)
		span.End()
		return err
	}), nil
}

func (t *telemetryLog) Count(ctx context.Context, criteria es.Criteria) (uint64, error) {
	ctx, span := t.cfg.Tracer.Start(ctx, "EnvelopeStore.Count",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("count"),
			AttrLog.String(string(t.log)),
		)...),
	)
	defer span.End()

	n, err := t.next.Count(ctx, criteria)
	t.record(ctx, span, "count", err)
	span.SetAttributes(AttrEventCount.Int64(int64(n)))
	return n, err
}

func (t *telemetryLog) Version(ctx context.Context, aggregateID string) (uint64, error) {
	ctx, span := t.cfg.Tracer.Start(ctx, "EnvelopeStore.Version",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("version"),
			AttrLog.String(string(t.log)),
			AttrAggregateID.String(aggregateID),
		)...),
	)
	defer span.End()

	v, err := t.next.Version(ctx, aggregateID)
	t.record(ctx, span, "version", err)
	span.SetAttributes(AttrVersion.Int64(int64(v)))
	return v, err
}

func (t *telemetryLog) record(ctx context.Context, span trace.Span, op string, err error) {
	attrs := metric.WithAttributes(AttrOperation.String(op), AttrLog.String(string(t.log)))
	StoreOperations.Add(ctx, 1, attrs)
	if err != nil {
		StoreErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

type telemetrySnapshots struct {
	next es.SnapshotStore
	cfg  *config
}

func (t *telemetrySnapshots) start(ctx context.Context, op, aggregateID string) (context.Context, trace.Span) {
	return t.cfg.Tracer.Start(ctx, "SnapshotStore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("snapshot_"+op),
			AttrAggregateID.String(aggregateID),
		)...),
	)
}

func (t *telemetrySnapshots) Latest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	ctx, span := t.start(ctx, "Latest", aggregateID)
	defer span.End()

	snap, err := t.next.Latest(ctx, aggregateID)
	t.record(ctx, span, "snapshot_latest", err)
	span.SetAttributes(AttrFound.Bool(snap != nil))
	if snap != nil {
		span.SetAttributes(AttrVersion.Int64(int64(snap.Version)))
	}
	return snap, err
}

func (t *telemetrySnapshots) Save(ctx context.Context, snapshot es.Snapshot) error {
	ctx, span := t.start(ctx, "Save", snapshot.AggregateID)
	defer span.End()
	span.SetAttributes(AttrVersion.Int64(int64(snapshot.Version)))

	err := t.next.Save(ctx, snapshot)
	t.record(ctx, span, "snapshot_save", err)
	return err
}

func (t *telemetrySnapshots) Delete(ctx context.Context, aggregateID string) error {
	ctx, span := t.start(ctx, "Delete", aggregateID)
	defer span.End()

	err := t.next.Delete(ctx, aggregateID)
	t.record(ctx, span, "snapshot_delete", err)
	return err
}

func (t *telemetrySnapshots) record(ctx context.Context, span trace.Span, op string, err error) {
	attrs := metric.WithAttributes(AttrOperation.String(op))
	StoreOperations.Add(ctx, 1, attrs)
	if err != nil {
		StoreErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
