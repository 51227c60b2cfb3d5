package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/eventstore/memory"
	"github.com/terraskye/aggregatestore/eventstore/storetest"
	"github.com/terraskye/aggregatestore/fixtures"
	"github.com/terraskye/aggregatestore/outbox"
)

type recordingSink struct {
	mu      sync.Mutex
	got     []*es.Envelope
	failAt  int
	failErr error
	calls   int
}

func (s *recordingSink) Send(_ context.Context, env *es.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failErr != nil && s.calls == s.failAt {
		return s.failErr
	}
	s.got = append(s.got, env)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, env := range s.got {
		out[i] = env.EventType + ":" + env.AggregateID
	}
	return out
}

func seedAccounts(t *testing.T, store es.Storage, ids ...string) {
	t.Helper()
	repo := es.NewRepository(store, fixtures.NewSerializer(), fixtures.NewAccount)
	for _, id := range ids {
		acc := repo.New(id)
		if err := acc.OpenAccount("owner-" + id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		if err := acc.Rename("renamed-" + id); err != nil {
			t.Fatalf("rename %s: %v", id, err)
		}
		if err := repo.Commit(t.Context(), acc); err != nil {
			t.Fatalf("commit %s: %v", id, err)
		}
	}
}

func TestRelay_DrainForwardsNotificationsInOrder(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a", "b")

	sink := &recordingSink{}
	relay := outbox.NewRelay("test", store, sink)

	n, err := relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 relayed, got %d", n)
	}

	want := []string{"account.activity:a", "account.activity:a", "account.activity:b", "account.activity:b"}
	got := sink.types()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	for i, env := range sink.got {
		if env.GlobalVersion != uint64(i+1) {
			t.Errorf("envelope %d: expected global version %d, got %d", i, i+1, env.GlobalVersion)
		}
	}

	pos, err := relay.Position(t.Context())
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 4 {
		t.Errorf("expected checkpoint 4, got %d", pos)
	}

	n, err = relay.Drain(t.Context())
	if err != nil || n != 0 {
		t.Fatalf("second drain: expected 0 and no error, got %d, %v", n, err)
	}
}

func TestRelay_DrainRespectsBatchSize(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a", "b", "c")

	sink := &recordingSink{}
	relay := outbox.NewRelay("batched", store, sink, outbox.WithBatchSize(4))

	n, err := relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected first batch of 4, got %d", n)
	}
	n, err = relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected second batch of 2, got %d", n)
	}
}

func TestRelay_SinkFailureKeepsCheckpoint(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a", "b")

	boom := errors.New("sink down")
	sink := &recordingSink{failAt: 3, failErr: boom}
	relay := outbox.NewRelay("flaky", store, sink)

	n, err := relay.Drain(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accepted before failure, got %d", n)
	}
	pos, _ := relay.Position(t.Context())
	if pos != 2 {
		t.Fatalf("expected checkpoint to stay at 2, got %d", pos)
	}

	// the failed envelope is delivered again
	n, err = relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected remaining 2, got %d", n)
	}
	if len(sink.got) != 4 {
		t.Fatalf("expected 4 accepted overall, got %d", len(sink.got))
	}
}

func TestRelay_EventTypeFilterStillAdvances(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a")

	sink := &recordingSink{}
	relay := outbox.NewRelay("filtered", store, sink, outbox.WithEventTypes("something.else"))

	n, err := relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing forwarded, got %d", n)
	}
	pos, _ := relay.Position(t.Context())
	if pos != 2 {
		t.Fatalf("expected checkpoint past filtered envelopes, got %d", pos)
	}
}

func TestRelay_SharedCheckpointStore(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a")

	checkpoints := outbox.NewMemoryCheckpoints()
	if err := checkpoints.Save(t.Context(), "resume", 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	sink := &recordingSink{}
	relay := outbox.NewRelay("resume", store, sink, outbox.WithCheckpointStore(checkpoints))
	n, err := relay.Drain(t.Context())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 envelope after checkpoint, got %d", n)
	}
	if sink.got[0].GlobalVersion != 2 {
		t.Errorf("expected global version 2, got %d", sink.got[0].GlobalVersion)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a")

	received := make(chan *es.Envelope, 16)
	sink := outbox.SinkFunc(func(_ context.Context, env *es.Envelope) error {
		received <- env
		return nil
	})
	relay := outbox.NewRelay("runner", store, sink, outbox.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i+1)
		}
	}

	// later commits are picked up by the next poll
	seedAccounts(t, store, "b")
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for late envelope %d", i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRelay_RunContinuesAfterFilteredBatch(t *testing.T) {
	store := memory.NewMemoryStore()
	notes := []es.Envelope{
		storetest.NewEnvelope("acc", 1, "skip", "{}"),
		storetest.NewEnvelope("acc", 2, "skip", "{}"),
		storetest.NewEnvelope("acc", 3, "skip", "{}"),
		storetest.NewEnvelope("acc", 4, "keep", "{}"),
	}
	if _, err := store.Notifications().Append(t.Context(), es.NoStream{}, notes...); err != nil {
		t.Fatalf("append: %v", err)
	}

	received := make(chan *es.Envelope, 4)
	sink := outbox.SinkFunc(func(_ context.Context, env *es.Envelope) error {
		received <- env
		return nil
	})
	relay := outbox.NewRelay("filtered-backlog", store, sink,
		outbox.WithBatchSize(2),
		outbox.WithInterval(time.Hour),
		outbox.WithEventTypes("keep"),
	)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	select {
	case env := <-received:
		if env.EventType != "keep" || env.Version != 4 {
			t.Fatalf("expected keep at version 4, got %s at %d", env.EventType, env.Version)
		}
	case <-time.After(2 * time.Second):
		pos, _ := relay.Position(t.Context())
		t.Fatalf("relay waited for the poll interval after a filtered batch, position %d", pos)
	}
}

func TestPublisherSink_MarksNotificationLog(t *testing.T) {
	store := memory.NewMemoryStore()
	seedAccounts(t, store, "a")

	spy := fixtures.NewPublisherSpy()
	relay := outbox.NewRelay("bus", store, outbox.PublisherSink(spy))
	if _, err := relay.Drain(t.Context()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := len(spy.Envelopes(es.NotificationLog)); got != 2 {
		t.Fatalf("expected 2 notifications published, got %d", got)
	}
	if got := len(spy.Envelopes(es.DomainLog)); got != 0 {
		t.Fatalf("expected no domain envelopes, got %d", got)
	}
}

func ExampleRelay_Drain() {
	store := memory.NewMemoryStore()
	repo := es.NewRepository(store, fixtures.NewSerializer(), fixtures.NewAccount)
	acc := repo.New("acc-1")
	_ = acc.OpenAccount("ada")
	_ = repo.Commit(context.Background(), acc)

	relay := outbox.NewRelay("example", store, outbox.SinkFunc(func(_ context.Context, env *es.Envelope) error {
		fmt.Println(env.GlobalVersion, env.EventType)
		return nil
	}))
	_, _ = relay.Drain(context.Background())
	// Output: 1 account.activity
}
