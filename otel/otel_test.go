package otel_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/eventbus/memory"
	memstore "github.com/terraskye/aggregatestore/eventstore/memory"
	"github.com/terraskye/aggregatestore/fixtures"
	"github.com/terraskye/aggregatestore/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder() (*tracetest.SpanRecorder, []otel.Option) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, []otel.Option{
		otel.WithTracerProvider(tp),
		otel.WithPropagator(propagation.TraceContext{}),
	}
}

func spanNamed(sr *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	for _, s := range sr.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func attr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestWithTelemetry_AppendInjectsTraceContext(t *testing.T) {
	sr, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	env := *fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"},
		fixtures.WithMetadataField("source", "test"))
	original := env.Metadata

	res, err := storage.Events().Append(t.Context(), es.NoStream{}, env)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.NextExpectedVersion != 1 {
		t.Fatalf("expected version 1, got %d", res.NextExpectedVersion)
	}
	if _, ok := original["traceparent"]; ok {
		t.Fatal("caller metadata must not be modified")
	}

	span := spanNamed(sr, "EnvelopeStore.Append")
	if span == nil {
		t.Fatal("expected EnvelopeStore.Append span")
	}
	if v, _ := attr(span, otel.AttrAggregateID); v.AsString() != "acc-1" {
		t.Errorf("expected aggregate id attribute, got %q", v.AsString())
	}
	if v, _ := attr(span, otel.AttrLog); v.AsString() != string(es.DomainLog) {
		t.Errorf("expected log attribute, got %q", v.AsString())
	}

	envs, err := storage.Events().ReadStream(t.Context(), "acc-1", 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	stored, err := envs.All(t.Context())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(stored))
	}
	md := stored[0].Metadata
	if md["source"] != "test" {
		t.Errorf("expected existing metadata kept, got %v", md)
	}
	if md["traceparent"] == "" {
		t.Errorf("expected traceparent in metadata, got %v", md)
	}
	if md[es.MetadataCorrelationID] != span.SpanContext().TraceID().String() {
		t.Errorf("expected correlation id %s, got %s", span.SpanContext().TraceID(), md[es.MetadataCorrelationID])
	}

	read := spanNamed(sr, "EnvelopeStore.ReadStream")
	if read == nil {
		t.Fatal("expected ReadStream span to end once drained")
	}
	if v, _ := attr(read, otel.AttrEventCount); v.AsInt64() != 1 {
		t.Errorf("expected event count 1, got %d", v.AsInt64())
	}
}

func TestWithTelemetry_CausationFromHandledEvent(t *testing.T) {
	_, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	cause := fixtures.NewEnvelope("other", fixtures.AccountOpened{Owner: "bob"}, fixtures.WithEventID(uuid.New()))
	ctx := es.WithEnvelope(t.Context(), cause)

	env := *fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"})
	if _, err := storage.Events().Append(ctx, es.Any{}, env); err != nil {
		t.Fatalf("append: %v", err)
	}

	stored, err := storage.Events().Query(t.Context(), es.NewCriteria().ForAggregate("acc-1"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	all, err := stored.All(t.Context())
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if got := all[0].Metadata[es.MetadataCausationID]; got != cause.EventID.String() {
		t.Errorf("expected causation %s, got %q", cause.EventID, got)
	}
}

func TestWithTelemetry_ConflictRecorded(t *testing.T) {
	sr, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	env := *fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"})
	if _, err := storage.Events().Append(t.Context(), es.NoStream{}, env); err != nil {
		t.Fatalf("append: %v", err)
	}
	sr.Reset()

	again := *fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"})
	_, err := storage.Events().Append(t.Context(), es.NoStream{}, again)
	if !es.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	span := spanNamed(sr, "EnvelopeStore.Append")
	if span == nil {
		t.Fatal("expected append span")
	}
	if span.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", span.Status().Code)
	}
	found := false
	for _, ev := range span.Events() {
		if ev.Name == "concurrency_conflict" {
			found = true
		}
	}
	if !found {
		t.Error("expected concurrency_conflict span event")
	}
}

func TestWithTelemetry_TransactionSpan(t *testing.T) {
	sr, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	repo := es.NewRepository(storage, fixtures.NewSerializer(), fixtures.NewAccount)
	acc := repo.New("acc-1")
	if err := acc.OpenAccount("ada"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx := spanNamed(sr, "Storage.Transaction")
	if tx == nil {
		t.Fatal("expected transaction span")
	}
	if v, _ := attr(tx, otel.AttrOperation); v.AsString() != "commit" {
		t.Errorf("expected commit operation, got %q", v.AsString())
	}

	appends := 0
	for _, s := range sr.Ended() {
		if s.Name() == "EnvelopeStore.Append" {
			appends++
		}
	}
	if appends != 2 {
		t.Errorf("expected a domain and a notification append, got %d", appends)
	}
}

func TestWithTelemetry_Snapshots(t *testing.T) {
	sr, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	snap, err := storage.Snapshots().Latest(t.Context(), "missing")
	if err != nil || snap != nil {
		t.Fatalf("expected no snapshot, got %v, %v", snap, err)
	}
	span := spanNamed(sr, "SnapshotStore.Latest")
	if span == nil {
		t.Fatal("expected latest span")
	}
	if v, _ := attr(span, otel.AttrFound); v.AsBool() {
		t.Error("expected found=false")
	}
}

func TestWithRepositoryTelemetry(t *testing.T) {
	sr, opts := newRecorder()
	repo := otel.WithRepositoryTelemetry[*fixtures.Account](
		es.NewRepository(memstore.NewMemoryStore(), fixtures.NewSerializer(), fixtures.NewAccount),
		opts...,
	)

	_, ok, err := repo.Load(t.Context(), "acc-1")
	if err != nil || ok {
		t.Fatalf("expected missing aggregate, got ok=%v err=%v", ok, err)
	}

	acc := repo.New("acc-1")
	if err := acc.OpenAccount("ada"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}

	stale := repo.New("acc-1")
	_ = stale.OpenAccount("eve")
	if err := repo.Commit(t.Context(), stale); !es.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var commits []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if strings.HasPrefix(s.Name(), "repository.commit") {
			commits = append(commits, s)
		}
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commit spans, got %d", len(commits))
	}
	if commits[0].Status().Code != codes.Ok {
		t.Errorf("expected first commit ok, got %v", commits[0].Status())
	}
	if v, _ := attr(commits[0], otel.AttrVersion); v.AsInt64() != 1 {
		t.Errorf("expected version 1, got %d", v.AsInt64())
	}
	if commits[1].Status().Code != codes.Error {
		t.Errorf("expected conflicting commit to fail, got %v", commits[1].Status())
	}
}

func TestWithEventTelemetry_LinksToProducer(t *testing.T) {
	sr, opts := newRecorder()
	storage := otel.WithTelemetry(memstore.NewMemoryStore(), opts...)

	env := *fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"})
	if _, err := storage.Events().Append(t.Context(), es.NoStream{}, env); err != nil {
		t.Fatalf("append: %v", err)
	}
	producer := spanNamed(sr, "EnvelopeStore.Append")

	it, _ := storage.Events().ReadStream(t.Context(), "acc-1", 0, 0)
	stored, _ := it.All(t.Context())

	spy := fixtures.NewEventHandlerSpy()
	handler := otel.WithEventTelemetry(spy, opts...)
	if err := handler.Handle(es.WithEnvelope(t.Context(), stored[0]), fixtures.AccountOpened{Owner: "ada"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	span := spanNamed(sr, "events.handle account.opened")
	if span == nil {
		t.Fatal("expected handler span")
	}
	if len(span.Links()) != 1 {
		t.Fatalf("expected one link, got %d", len(span.Links()))
	}
	if span.Links()[0].SpanContext.TraceID() != producer.SpanContext().TraceID() {
		t.Error("expected link to the producing trace")
	}
	if v, _ := attr(span, otel.AttrEventStreamPos); v.AsInt64() != 1 {
		t.Errorf("expected stream position 1, got %d", v.AsInt64())
	}
}

func TestWithEventTelemetry_Status(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "success", want: codes.Ok},
		{name: "skipped", err: &es.ErrSkippedEvent{}, want: codes.Ok},
		{name: "failure", err: errors.New("boom"), want: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, opts := newRecorder()
			handler := otel.WithEventTelemetry(es.NewEventHandlerFunc(func(context.Context, es.Event) error {
				return tt.err
			}), opts...)

			err := handler.Handle(t.Context(), fixtures.AccountOpened{})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			spans := sr.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Status().Code != tt.want {
				t.Errorf("expected %v, got %v", tt.want, spans[0].Status().Code)
			}
		})
	}
}

func TestWithEventBusTelemetry(t *testing.T) {
	sr, opts := newRecorder()
	bus := otel.WithEventBusTelemetry(memory.NewEventBus(), opts...)
	defer bus.Close()

	spy := fixtures.NewEventHandlerSpy()
	if err := bus.Subscribe(t.Context(), "projector", spy); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := fixtures.NewEnvelope("acc-1", fixtures.AccountOpened{Owner: "ada"})
	if err := bus.Publish(t.Context(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-spy.Received():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}
	// the handler span ends right after the spy returns
	deadline := time.Now().Add(time.Second)
	for spanNamed(sr, "events.handle account.opened") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if spanNamed(sr, "eventbus.publish "+string(es.DomainLog)) == nil {
		t.Error("expected publish span")
	}
	span := spanNamed(sr, "events.handle account.opened")
	if span == nil {
		t.Fatal("expected handler span")
	}
	if v, _ := attr(span, otel.AttrSubscriberName); v.AsString() != "projector" {
		t.Errorf("expected subscriber attribute, got %q", v.AsString())
	}
}
