package aggregatestore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/fixtures"
)

func TestIteratorSequences(t *testing.T) {
	boom := errors.New("cursor lost")
	envs := fixtures.EnvelopesFromEvents("acc-1", fixtures.NewTestEvent().BuildN(3)...)

	tests := []struct {
		name     string
		iter     func() *es.Iterator[*es.Envelope]
		versions []uint64
		wantErr  error
	}{
		{name: "all items", iter: func() *es.Iterator[*es.Envelope] { return fixtures.SliceIterator(envs) }, versions: []uint64{1, 2, 3}},
		{name: "empty", iter: fixtures.EmptyIterator},
		{name: "fails immediately", iter: func() *es.Iterator[*es.Envelope] { return fixtures.FailingIterator(boom) }, wantErr: boom},
		{name: "fails midway", iter: func() *es.Iterator[*es.Envelope] { return fixtures.FailAfterNIterator(envs, 2, boom) }, versions: []uint64{1, 2}, wantErr: boom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.iter().All(t.Context())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if len(got) != len(tt.versions) {
				t.Fatalf("expected %d envelopes, got %d", len(tt.versions), len(got))
			}
			for i, env := range got {
				if env.Version != tt.versions[i] {
					t.Errorf("index %d: expected version %d, got %d", i, tt.versions[i], env.Version)
				}
			}
		})
	}
}

func TestIteratorStopsAtEnd(t *testing.T) {
	calls := 0
	iter := es.NewIteratorFunc(func(ctx context.Context) (uint64, error) {
		calls++
		if calls == 1 {
			return 7, nil
		}
		return 0, io.EOF
	})

	if v := iter.Value(); v != 0 {
		t.Fatalf("expected zero value before Next, got %d", v)
	}
	if !iter.Next(t.Context()) || iter.Value() != 7 {
		t.Fatalf("expected first item 7, got %d", iter.Value())
	}
	for range 3 {
		if iter.Next(t.Context()) {
			t.Fatal("expected exhausted iterator")
		}
	}
	if calls != 2 {
		t.Errorf("producer must not run after the end, ran %d times", calls)
	}
	if iter.Err() != nil {
		t.Errorf("io.EOF must not surface, got %v", iter.Err())
	}
}

func TestIteratorWithClose(t *testing.T) {
	tests := []struct {
		name  string
		drain int
		close bool
	}{
		{name: "closed when drained", drain: 3},
		{name: "closed when stopped early", drain: 1, close: true},
		{name: "closed before first Next", drain: 0, close: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closes := 0
			inner := es.NewSliceIterator([]int{1, 2})
			iter := es.NewIteratorWithClose(func(ctx context.Context) (int, error) {
				if !inner.Next(ctx) {
					return 0, io.EOF
				}
				return inner.Value(), nil
			}, func() error {
				closes++
				return nil
			})

			for i := 0; i < tt.drain; i++ {
				iter.Next(t.Context())
			}
			if tt.close {
				if err := iter.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
			}
			_ = iter.Close()

			if closes != 1 {
				t.Fatalf("expected close to run once, ran %d times", closes)
			}
			if iter.Next(t.Context()) {
				t.Fatal("expected closed iterator to stay exhausted")
			}
		})
	}
}

func TestIteratorCloseErrorReported(t *testing.T) {
	closeErr := errors.New("release failed")
	iter := es.NewIteratorWithClose(func(ctx context.Context) (int, error) {
		return 0, io.EOF
	}, func() error {
		return closeErr
	})

	if iter.Next(t.Context()) {
		t.Fatal("expected no items")
	}
	if !errors.Is(iter.Err(), closeErr) {
		t.Fatalf("expected close error, got %v", iter.Err())
	}
}

func TestSliceIteratorHonorsCancellation(t *testing.T) {
	iter := es.NewSliceIterator([]int{1, 2, 3})
	ctx, cancel := context.WithCancel(t.Context())

	if !iter.Next(ctx) {
		t.Fatal("expected first item")
	}
	cancel()

	if iter.Next(ctx) {
		t.Fatal("expected Next to stop after cancel")
	}
	if !errors.Is(iter.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", iter.Err())
	}
}

func BenchmarkIteratorAll(b *testing.B) {
	envs := fixtures.EnvelopesFromEvents("acc-1", fixtures.NewTestEvent().BuildN(64)...)
	for b.Loop() {
		_, _ = fixtures.SliceIterator(envs).All(b.Context())
	}
}
