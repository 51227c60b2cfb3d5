package aggregatestore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/eventstore/memory"
	"github.com/terraskye/aggregatestore/fixtures"
)

func openAccount(t *testing.T, id string, deposits ...int) *fixtures.Account {
	t.Helper()
	acc := fixtures.NewAccount(id)
	if err := acc.OpenAccount("ada"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, amount := range deposits {
		if err := acc.Deposit(amount); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return acc
}

func TestCommit(t *testing.T) {
	store := memory.NewMemoryStore()
	publisher := fixtures.NewPublisherSpy()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer(), es.WithPublisher(publisher))

	acc := openAccount(t, "acc-1", 10)
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if acc.AggregateVersion() != 2 {
		t.Errorf("expected version 2, got %d", acc.AggregateVersion())
	}
	if len(acc.UncommittedEvents()) != 0 || len(acc.UncommittedNotifications()) != 0 {
		t.Error("expected queues to be cleared")
	}

	events := readStream(t, store.Events(), "acc-1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, env := range events {
		if env.Version != uint64(i+1) {
			t.Errorf("event %d: expected version %d, got %d", i, i+1, env.Version)
		}
		if env.GlobalVersion == 0 {
			t.Errorf("event %d: global version not assigned", i)
		}
	}
	if events[0].EventType != "account.opened" || events[1].EventType != "account.deposited" {
		t.Errorf("unexpected event types %s, %s", events[0].EventType, events[1].EventType)
	}

	notifications := readStream(t, store.Notifications(), "acc-1")
	if len(notifications) != 1 || notifications[0].EventType != "account.activity" {
		t.Fatalf("expected one activity notification, got %v", notifications)
	}

	if got := len(publisher.Envelopes(es.DomainLog)); got != 2 {
		t.Errorf("expected 2 published domain envelopes, got %d", got)
	}
	if got := len(publisher.Envelopes(es.NotificationLog)); got != 1 {
		t.Errorf("expected 1 published notification, got %d", got)
	}
	if publisher.Published[0].Event == nil {
		t.Error("published envelopes carry the decoded event")
	}
}

func TestCommitNotificationVersions(t *testing.T) {
	store := memory.NewMemoryStore()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer())

	acc := openAccount(t, "acc-1")
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := acc.Rename("savings"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, err := store.Notifications().Version(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 {
		t.Errorf("expected notification stream at version 2, got %d", v)
	}
}

func TestCommitNothingQueued(t *testing.T) {
	spy := fixtures.NewStorageSpy(memory.NewMemoryStore())
	c := es.NewCommitCoordinator(spy, fixtures.NewSerializer())

	if err := c.Commit(t.Context(), fixtures.NewAccount("acc-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if spy.BeginCalls != 0 {
		t.Errorf("expected no transaction, got %d", spy.BeginCalls)
	}
}

func TestCommitAtomicity(t *testing.T) {
	boom := errors.New("disk full")

	tests := []struct {
		name string
		fail func(*fixtures.StorageSpy)
		opts []es.CommitOption
	}{
		{
			name: "notification append fails",
			fail: func(s *fixtures.StorageSpy) { s.FailOnAppend(es.NotificationLog, boom) },
		},
		{
			name: "domain append fails",
			fail: func(s *fixtures.StorageSpy) { s.FailOnAppend(es.DomainLog, boom) },
		},
		{
			name: "snapshot save fails",
			fail: func(s *fixtures.StorageSpy) { s.FailOnSnapshotSave(boom) },
			opts: []es.CommitOption{es.WithSnapshotPolicy(es.EveryN(1))},
		},
		{
			name: "commit fails",
			fail: func(s *fixtures.StorageSpy) { s.FailOnCommit(boom) },
		},
		{
			name: "begin fails",
			fail: func(s *fixtures.StorageSpy) { s.FailOnBegin(boom) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewMemoryStore()
			spy := fixtures.NewStorageSpy(store)
			tt.fail(spy)
			publisher := fixtures.NewPublisherSpy()

			var states []es.CommitState
			opts := append([]es.CommitOption{
				es.WithPublisher(publisher),
				es.WithStateObserver(func(_ string, s es.CommitState) { states = append(states, s) }),
			}, tt.opts...)
			c := es.NewCommitCoordinator(spy, fixtures.NewSerializer(), opts...)

			acc := openAccount(t, "acc-1", 5)
			err := c.Commit(t.Context(), acc)
			if !errors.Is(err, boom) {
				t.Fatalf("expected %v, got %v", boom, err)
			}

			for _, log := range []es.Log{es.DomainLog, es.NotificationLog} {
				v, err := es.Store(store, log).Version(t.Context(), "acc-1")
				if err != nil {
					t.Fatalf("version: %v", err)
				}
				if v != 0 {
					t.Errorf("%s log: expected nothing written, got version %d", log, v)
				}
			}
			if snap, _ := store.Snapshots().Latest(t.Context(), "acc-1"); snap != nil {
				t.Error("expected no snapshot")
			}

			if acc.AggregateVersion() != 0 {
				t.Errorf("version must not move on failure, got %d", acc.AggregateVersion())
			}
			if len(acc.UncommittedEvents()) != 2 || len(acc.UncommittedNotifications()) != 1 {
				t.Error("queues must be kept on failure")
			}
			if publisher.PublishCalls != 0 {
				t.Error("nothing may be published on failure")
			}
			if states[len(states)-1] != es.CommitFailed {
				t.Errorf("expected final state failed, got %v", states)
			}
		})
	}
}

func TestCommitRetryAfterFailure(t *testing.T) {
	boom := errors.New("timeout")
	store := memory.NewMemoryStore()
	spy := fixtures.NewStorageSpy(store).FailOnCommit(boom)
	c := es.NewCommitCoordinator(spy, fixtures.NewSerializer())

	acc := openAccount(t, "acc-1")
	if err := c.Commit(t.Context(), acc); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}

	spy.Reset()
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if v, _ := store.Events().Version(t.Context(), "acc-1"); v != 1 {
		t.Errorf("expected stream at version 1, got %d", v)
	}
}

func TestCommitConflict(t *testing.T) {
	store := memory.NewMemoryStore()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer())
	if err := c.Commit(t.Context(), openAccount(t, "acc-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	r := es.NewRehydrator(store, fixtures.NewSerializer(), fixtures.NewAccount)
	first, _, err := r.Load(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, _, err := r.Load(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_ = first.Deposit(1)
	_ = second.Deposit(2)

	if err := c.Commit(t.Context(), first); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err = c.Commit(t.Context(), second)
	if !es.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var conflict *es.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConcurrencyConflictError, got %T", err)
	}
	if conflict.AggregateID != "acc-1" || conflict.Actual != 2 || conflict.Log != es.DomainLog {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if second.AggregateVersion() != 1 || len(second.UncommittedEvents()) != 1 {
		t.Error("losing aggregate must be left untouched")
	}

	loaded, _, err := r.Load(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Balance != 1 {
		t.Errorf("expected only the first deposit, got balance %d", loaded.Balance)
	}
}

func TestCommitCanceled(t *testing.T) {
	spy := fixtures.NewStorageSpy(memory.NewMemoryStore())
	c := es.NewCommitCoordinator(spy, fixtures.NewSerializer())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	acc := openAccount(t, "acc-1")
	if err := c.Commit(ctx, acc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if spy.BeginCalls != 0 {
		t.Error("no transaction may start after cancellation")
	}
	if len(acc.UncommittedEvents()) != 1 {
		t.Error("queue must be kept")
	}
}

func TestCommitStateObserver(t *testing.T) {
	var states []es.CommitState
	c := es.NewCommitCoordinator(memory.NewMemoryStore(), fixtures.NewSerializer(),
		es.WithStateObserver(func(id string, s es.CommitState) {
			if id != "acc-1" {
				t.Errorf("unexpected aggregate %q", id)
			}
			states = append(states, s)
		}))

	if err := c.Commit(t.Context(), openAccount(t, "acc-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	want := []es.CommitState{es.CommitPending, es.CommitAppending, es.CommitCommitted}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestCommitSnapshotPolicy(t *testing.T) {
	store := memory.NewMemoryStore()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer(), es.WithSnapshotPolicy(es.EveryN(2)))

	acc := openAccount(t, "acc-1", 10)
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, err := store.Snapshots().Latest(t.Context(), "acc-1")
	if err != nil || snap == nil {
		t.Fatalf("expected snapshot, got %v, %v", snap, err)
	}
	if snap.Version != 2 {
		t.Errorf("expected snapshot at version 2, got %d", snap.Version)
	}

	_ = acc.Deposit(5)
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, _ = store.Snapshots().Latest(t.Context(), "acc-1")
	if snap.Version != 2 {
		t.Errorf("version 3 does not cross a multiple of 2, snapshot at %d", snap.Version)
	}

	_ = acc.Deposit(5)
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, _ = store.Snapshots().Latest(t.Context(), "acc-1")
	if snap.Version != 4 {
		t.Errorf("expected snapshot at version 4, got %d", snap.Version)
	}

	restored := fixtures.NewAccount("acc-1")
	if err := restored.SetMemento(snap.Payload); err != nil {
		t.Fatalf("set memento: %v", err)
	}
	if restored.Balance != 20 {
		t.Errorf("expected snapshot balance 20, got %d", restored.Balance)
	}
}

func TestCommitMementoFailureKeepsCommit(t *testing.T) {
	store := memory.NewMemoryStore()
	logger, hook := test.NewNullLogger()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer(),
		es.WithSnapshotPolicy(es.EveryN(1)),
		es.WithCommitLogger(logrus.NewEntry(logger)))

	agg := fixtures.NewBrokenMemento("acc-1")
	if err := agg.OpenAccount("ada"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Commit(t.Context(), agg); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if v, _ := store.Events().Version(t.Context(), "acc-1"); v != 1 {
		t.Errorf("expected events committed, got version %d", v)
	}
	if snap, _ := store.Snapshots().Latest(t.Context(), "acc-1"); snap != nil {
		t.Error("expected no snapshot")
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Error("expected a warning for the skipped snapshot")
	}
}

func TestCommitPublishFailureKeepsCommit(t *testing.T) {
	store := memory.NewMemoryStore()
	logger, hook := test.NewNullLogger()
	publisher := fixtures.NewPublisherSpy().FailOnPublish(errors.New("bus down"))
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer(),
		es.WithPublisher(publisher),
		es.WithCommitLogger(logrus.NewEntry(logger)))

	acc := openAccount(t, "acc-1")
	if err := c.Commit(t.Context(), acc); err != nil {
		t.Fatalf("publish failures must not fail the commit: %v", err)
	}
	if acc.AggregateVersion() != 1 {
		t.Errorf("expected version 1, got %d", acc.AggregateVersion())
	}
	// one warning per log
	if got := len(hook.AllEntries()); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}
}

func TestCommitMetadata(t *testing.T) {
	store := memory.NewMemoryStore()
	c := es.NewCommitCoordinator(store, fixtures.NewSerializer(),
		es.WithMetadataExtractor(func(ctx context.Context) map[string]string {
			return map[string]string{"tenant": "acme"}
		}))

	if err := c.Commit(t.Context(), openAccount(t, "acc-1")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for _, log := range []es.Log{es.DomainLog, es.NotificationLog} {
		envs := readStream(t, es.Store(store, log), "acc-1")
		if envs[0].Metadata["tenant"] != "acme" {
			t.Errorf("%s log: expected metadata, got %v", log, envs[0].Metadata)
		}
	}
}

func readStream(t *testing.T, store es.EnvelopeStore, id string) []*es.Envelope {
	t.Helper()
	iter, err := store.ReadStream(t.Context(), id, 0, 0)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	envs, err := iter.All(t.Context())
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return envs
}
