// Package storetest is a conformance suite for Storage implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
)

// Factory returns an empty Storage. The suite closes it when the test ends.
type Factory func(t *testing.T) es.Storage

// NewEnvelope builds an envelope of aggregateID at version.
func NewEnvelope(aggregateID string, version uint64, eventType string, payload string) es.Envelope {
	return es.Envelope{
		EventID:     uuid.New(),
		AggregateID: aggregateID,
		Version:     version,
		EventType:   eventType,
		Payload:     []byte(payload),
		Metadata:    map[string]string{"source": "storetest"},
		CreatedOn:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Batch builds n envelopes of aggregateID following version after.
func Batch(aggregateID string, after uint64, n int) []es.Envelope {
	out := make([]es.Envelope, n)
	for i := range out {
		v := after + uint64(i) + 1
		out[i] = NewEnvelope(aggregateID, v, "Tested", fmt.Sprintf(`{"n":%d}`, v))
	}
	return out
}

func open(t *testing.T, factory Factory) es.Storage {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// collect drains the result of a read call:
//
//	envs := collect(t)(s.Events().ReadStream(ctx, "acc-1", 0, 0))
func collect(t *testing.T) func(*es.Iterator[*es.Envelope], error) []*es.Envelope {
	t.Helper()
	return func(it *es.Iterator[*es.Envelope], err error) []*es.Envelope {
		t.Helper()
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		envs, err := it.All(context.Background())
		if err != nil {
			t.Fatalf("iterator error: %v", err)
		}
		return envs
	}
}

func versions(envs []*es.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, env := range envs {
		out[i] = env.Version
	}
	return out
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Run exercises every behavior a Storage must provide.
func Run(t *testing.T, factory Factory) {
	t.Run("Append", func(t *testing.T) { testAppend(t, factory) })
	t.Run("ExpectedState", func(t *testing.T) { testExpectedState(t, factory) })
	t.Run("ReadStream", func(t *testing.T) { testReadStream(t, factory) })
	t.Run("Query", func(t *testing.T) { testQuery(t, factory) })
	t.Run("Transaction", func(t *testing.T) { testTransaction(t, factory) })
	t.Run("Snapshots", func(t *testing.T) { testSnapshots(t, factory) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, factory) })
	t.Run("NotificationTail", func(t *testing.T) { testNotificationTail(t, factory) })
	t.Run("Cancellation", func(t *testing.T) { testCancellation(t, factory) })
}

func testAppend(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	result, err := s.Events().Append(ctx, es.NoStream{})
	if err != nil {
		t.Fatalf("empty append: expected no error, got %v", err)
	}
	if result.NextExpectedVersion != 0 {
		t.Errorf("empty append: expected version 0, got %d", result.NextExpectedVersion)
	}

	batch := Batch("acc-1", 0, 3)
	result, err = s.Events().Append(ctx, es.NoStream{}, batch...)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.AggregateID != "acc-1" {
		t.Errorf("expected aggregate acc-1, got %q", result.AggregateID)
	}
	if result.NextExpectedVersion != 3 {
		t.Errorf("expected NextExpectedVersion 3, got %d", result.NextExpectedVersion)
	}
	if result.LastGlobalVersion == 0 {
		t.Error("expected a global position to be assigned")
	}

	envs := collect(t)(s.Events().ReadStream(ctx, "acc-1", 0, 0))
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	for i, env := range envs {
		in := batch[i]
		if env.EventID != in.EventID || env.EventType != in.EventType || string(env.Payload) != string(in.Payload) {
			t.Errorf("envelope %d: expected %+v, got %+v", i, in, env)
		}
		if env.Metadata["source"] != "storetest" {
			t.Errorf("envelope %d: metadata lost, got %v", i, env.Metadata)
		}
		if !env.CreatedOn.Equal(in.CreatedOn) {
			t.Errorf("envelope %d: expected created on %v, got %v", i, in.CreatedOn, env.CreatedOn)
		}
		if i > 0 && env.GlobalVersion <= envs[i-1].GlobalVersion {
			t.Errorf("global positions are not increasing: %d after %d", env.GlobalVersion, envs[i-1].GlobalVersion)
		}
	}
	if envs[2].GlobalVersion != result.LastGlobalVersion {
		t.Errorf("expected last global version %d, got %d", result.LastGlobalVersion, envs[2].GlobalVersion)
	}

	mixed := []es.Envelope{NewEnvelope("acc-2", 1, "Tested", "{}"), NewEnvelope("acc-3", 2, "Tested", "{}")}
	if _, err := s.Events().Append(ctx, es.Any{}, mixed...); !errors.Is(err, es.ErrInvalidEventBatch) {
		t.Errorf("mixed aggregates: expected ErrInvalidEventBatch, got %v", err)
	}

	gap := []es.Envelope{NewEnvelope("acc-4", 1, "Tested", "{}"), NewEnvelope("acc-4", 3, "Tested", "{}")}
	if _, err := s.Events().Append(ctx, es.Any{}, gap...); !errors.Is(err, es.ErrInvalidEventBatch) {
		t.Errorf("version gap: expected ErrInvalidEventBatch, got %v", err)
	}
	if v, _ := s.Events().Version(ctx, "acc-4"); v != 0 {
		t.Errorf("rejected batch was partially written, version %d", v)
	}

	stale := NewEnvelope("acc-1", 2, "Tested", "{}")
	if _, err := s.Events().Append(ctx, es.Any{}, stale); !es.IsConflict(err) {
		t.Errorf("stale version: expected conflict, got %v", err)
	}
}

func testExpectedState(t *testing.T, factory Factory) {
	tests := []struct {
		name     string
		existing int
		expected es.StreamState
		conflict bool
	}{
		{name: "any on empty", existing: 0, expected: es.Any{}},
		{name: "any on existing", existing: 2, expected: es.Any{}},
		{name: "no stream on empty", existing: 0, expected: es.NoStream{}},
		{name: "no stream on existing", existing: 1, expected: es.NoStream{}, conflict: true},
		{name: "exists on existing", existing: 1, expected: es.StreamExists{}},
		{name: "exists on empty", existing: 0, expected: es.StreamExists{}, conflict: true},
		{name: "revision match", existing: 2, expected: es.Revision(2)},
		{name: "revision mismatch", existing: 2, expected: es.Revision(1), conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			s := open(t, factory)

			if tt.existing > 0 {
				if _, err := s.Events().Append(ctx, es.NoStream{}, Batch("acc", 0, tt.existing)...); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}

			_, err := s.Events().Append(ctx, tt.expected, Batch("acc", uint64(tt.existing), 1)...)
			if tt.conflict {
				var conflict *es.ConcurrencyConflictError
				if !errors.As(err, &conflict) {
					t.Fatalf("expected *ConcurrencyConflictError, got %v", err)
				}
				if conflict.Actual != uint64(tt.existing) {
					t.Errorf("expected actual version %d, got %d", tt.existing, conflict.Actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func testReadStream(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	if _, err := s.Events().Append(ctx, es.NoStream{}, Batch("acc-1", 0, 5)...); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Events().Append(ctx, es.NoStream{}, Batch("acc-2", 0, 2)...); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		id    string
		from  uint64
		limit int
		want  []uint64
	}{
		{name: "whole stream", id: "acc-1", want: []uint64{1, 2, 3, 4, 5}},
		{name: "after version", id: "acc-1", from: 3, want: []uint64{4, 5}},
		{name: "limit", id: "acc-1", from: 1, limit: 2, want: []uint64{2, 3}},
		{name: "past the end", id: "acc-1", from: 9, want: []uint64{}},
		{name: "other stream", id: "acc-2", want: []uint64{1, 2}},
		{name: "unknown stream", id: "missing", want: []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := versions(collect(t)(s.Events().ReadStream(ctx, tt.id, tt.from, tt.limit)))
			if !equal(got, tt.want) {
				t.Errorf("expected versions %v, got %v", tt.want, got)
			}
		})
	}

	v, err := s.Events().Version(ctx, "acc-1")
	if err != nil || v != 5 {
		t.Errorf("expected version 5, got %d (%v)", v, err)
	}
	v, err = s.Events().Version(ctx, "missing")
	if err != nil || v != 0 {
		t.Errorf("expected version 0 for unknown stream, got %d (%v)", v, err)
	}

	// Sequences are restartable.
	first := collect(t)(s.Events().ReadStream(ctx, "acc-1", 0, 0))
	second := collect(t)(s.Events().ReadStream(ctx, "acc-1", 0, 0))
	if !equal(versions(first), versions(second)) {
		t.Errorf("restarted read differs: %v vs %v", versions(first), versions(second))
	}
}

func testQuery(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	seed := [][]es.Envelope{
		{NewEnvelope("a", 1, "Opened", "{}"), NewEnvelope("a", 2, "Renamed", "{}")},
		{NewEnvelope("b", 1, "Opened", "{}")},
		{NewEnvelope("a", 3, "Closed", "{}")},
	}
	var positions []uint64
	for _, batch := range seed {
		r, err := s.Events().Append(ctx, es.Any{}, batch...)
		if err != nil {
			t.Fatal(err)
		}
		positions = append(positions, r.LastGlobalVersion)
	}

	type key struct {
		id string
		v  uint64
	}
	tests := []struct {
		name     string
		criteria es.Criteria
		want     []key
	}{
		{name: "everything", criteria: es.NewCriteria(), want: []key{{"a", 1}, {"a", 2}, {"b", 1}, {"a", 3}}},
		{name: "aggregate", criteria: es.NewCriteria().ForAggregate("a"), want: []key{{"a", 1}, {"a", 2}, {"a", 3}}},
		{name: "types", criteria: es.NewCriteria().OfTypes("Opened"), want: []key{{"a", 1}, {"b", 1}}},
		{name: "version range", criteria: es.NewCriteria().ForAggregate("a").AfterVersion(1).UpToVersion(2), want: []key{{"a", 2}}},
		{name: "after position", criteria: es.NewCriteria().AfterPosition(positions[1]), want: []key{{"a", 3}}},
		{name: "limit", criteria: es.NewCriteria().Limit(2), want: []key{{"a", 1}, {"a", 2}}},
		{name: "reverse", criteria: es.NewCriteria().ForAggregate("a").Reverse().Limit(2), want: []key{{"a", 3}, {"a", 2}}},
		{
			name: "predicate",
			criteria: es.NewCriteria().Where(func(env *es.Envelope) bool {
				return env.EventType != "Opened"
			}).Limit(1),
			want: []key{{"a", 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := collect(t)(s.Events().Query(ctx, tt.criteria))
			got := make([]key, len(envs))
			for i, env := range envs {
				got[i] = key{env.AggregateID, env.Version}
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}

			n, err := s.Events().Count(ctx, tt.criteria)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != uint64(len(tt.want)) {
				t.Errorf("expected count %d, got %d", len(tt.want), n)
			}
		})
	}
}

func testTransaction(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Events().Append(ctx, es.NoStream{}, Batch("acc", 0, 2)...); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Notifications().Append(ctx, es.NoStream{}, Batch("acc", 0, 1)...); err != nil {
		t.Fatal(err)
	}

	if v, err := tx.Events().Version(ctx, "acc"); err != nil || v != 2 {
		t.Errorf("expected the transaction to see its own writes, got version %d (%v)", v, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v, _ := s.Events().Version(ctx, "acc"); v != 0 {
		t.Errorf("rolled back domain events are visible, version %d", v)
	}
	if v, _ := s.Notifications().Version(ctx, "acc"); v != 0 {
		t.Errorf("rolled back notifications are visible, version %d", v)
	}
	if err := tx.Commit(); !errors.Is(err, es.ErrTxDone) {
		t.Errorf("commit after rollback: expected ErrTxDone, got %v", err)
	}

	err = es.WithinTx(ctx, s, func(tx es.Transaction) error {
		if _, err := tx.Events().Append(ctx, es.NoStream{}, Batch("acc", 0, 2)...); err != nil {
			return err
		}
		if _, err := tx.Notifications().Append(ctx, es.NoStream{}, Batch("acc", 0, 1)...); err != nil {
			return err
		}
		return tx.Snapshots().Save(ctx, es.Snapshot{AggregateID: "acc", Version: 2, Payload: []byte("m"), CreatedOn: time.Now().UTC()})
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v, _ := s.Events().Version(ctx, "acc"); v != 2 {
		t.Errorf("expected domain version 2, got %d", v)
	}
	if v, _ := s.Notifications().Version(ctx, "acc"); v != 1 {
		t.Errorf("expected notification version 1, got %d", v)
	}
	if snap, _ := s.Snapshots().Latest(ctx, "acc"); snap == nil || snap.Version != 2 {
		t.Errorf("expected snapshot at version 2, got %+v", snap)
	}

	// A failing notification append discards the domain append of the same
	// transaction.
	boom := errors.New("boom")
	err = es.WithinTx(ctx, s, func(tx es.Transaction) error {
		if _, err := tx.Events().Append(ctx, es.Revision(2), Batch("acc", 2, 1)...); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if v, _ := s.Events().Version(ctx, "acc"); v != 2 {
		t.Errorf("expected domain version to stay at 2, got %d", v)
	}
}

func testSnapshots(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)
	snaps := s.Snapshots()

	snap, err := snaps.Latest(ctx, "acc")
	if err != nil || snap != nil {
		t.Fatalf("expected no snapshot, got %+v (%v)", snap, err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	save := func(v uint64, payload string) {
		t.Helper()
		if err := snaps.Save(ctx, es.Snapshot{AggregateID: "acc", Version: v, Payload: []byte(payload), CreatedOn: at}); err != nil {
			t.Fatalf("save version %d: %v", v, err)
		}
	}
	latest := func() *es.Snapshot {
		t.Helper()
		snap, err := snaps.Latest(ctx, "acc")
		if err != nil {
			t.Fatal(err)
		}
		return snap
	}

	save(5, "five")
	if got := latest(); got == nil || got.Version != 5 || string(got.Payload) != "five" {
		t.Fatalf("expected snapshot five, got %+v", got)
	}

	save(3, "three")
	if got := latest(); got.Version != 5 {
		t.Errorf("older snapshot replaced newer one, got version %d", got.Version)
	}

	save(5, "five again")
	save(5, "five again")
	if got := latest(); got.Version != 5 || string(got.Payload) != "five again" {
		t.Errorf("expected same-version save to overwrite, got %+v", got)
	}

	save(8, "eight")
	if got := latest(); got.Version != 8 {
		t.Errorf("expected version 8, got %d", got.Version)
	}
	if got := latest(); !got.CreatedOn.Equal(at) {
		t.Errorf("expected created on %v, got %v", at, got.CreatedOn)
	}

	if err := snaps.Delete(ctx, "acc"); err != nil {
		t.Fatal(err)
	}
	if got := latest(); got != nil {
		t.Errorf("expected snapshot to be deleted, got %+v", got)
	}
}

func testConcurrentAppend(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	if _, err := s.Events().Append(ctx, es.NoStream{}, Batch("acc", 0, 1)...); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		others    []error
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := es.WithinTx(ctx, s, func(tx es.Transaction) error {
				_, err := tx.Events().Append(ctx, es.Revision(1), Batch("acc", 1, 1)...)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case es.IsConflict(err):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if succeeded != 1 || conflicts != writers-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", writers-1, succeeded, conflicts)
	}
	if v, _ := s.Events().Version(ctx, "acc"); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
}

// testNotificationTail follows the notification log by position while
// transactions on different aggregates commit out of start order. A reader
// that checkpoints at the highest position it saw must still see every
// notification.
func testNotificationTail(t *testing.T, factory Factory) {
	ctx := t.Context()
	s := open(t, factory)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("acc-%d", i)
			errs <- es.WithinTx(ctx, s, func(tx es.Transaction) error {
				if _, err := tx.Events().Append(ctx, es.NoStream{}, Batch(id, 0, 1)...); err != nil {
					return err
				}
				if _, err := tx.Notifications().Append(ctx, es.NoStream{}, Batch(id, 0, 1)...); err != nil {
					return err
				}
				// early writers hold their transaction open the longest
				time.Sleep(time.Duration(writers-i) * 2 * time.Millisecond)
				return nil
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var (
		pos  uint64
		seen = make(map[string]bool)
	)
	tail := func() {
		t.Helper()
		for _, env := range collect(t)(s.Notifications().Query(ctx, es.NewCriteria().AfterPosition(pos))) {
			if seen[env.AggregateID] {
				t.Errorf("notification of %s read twice", env.AggregateID)
			}
			seen[env.AggregateID] = true
			pos = env.GlobalVersion
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		case <-time.After(time.Millisecond):
		}
		tail()
	}

	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
	}
	if len(seen) != writers {
		t.Errorf("expected %d notifications behind position %d, read %d", writers, pos, len(seen))
	}
}

func testCancellation(t *testing.T, factory Factory) {
	s := open(t, factory)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := s.Events().Append(ctx, es.Any{}, Batch("acc", 0, 1)...); !errors.Is(err, context.Canceled) {
		t.Errorf("append: expected context.Canceled, got %v", err)
	}
	if v, _ := s.Events().Version(t.Context(), "acc"); v != 0 {
		t.Errorf("cancelled append was written, version %d", v)
	}
	if _, err := s.Begin(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("begin: expected context.Canceled, got %v", err)
	}
}
