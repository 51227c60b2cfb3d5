package fixtures

import (
	"context"
	"io"

	es "github.com/terraskye/aggregatestore"
)

// EmptyIterator returns an iterator that yields no items.
func EmptyIterator() *es.Iterator[*es.Envelope] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		return nil, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *es.Iterator[*es.Envelope] {
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		return nil, err
	})
}

// SliceIterator yields envelopes in order.
func SliceIterator(envelopes []*es.Envelope) *es.Iterator[*es.Envelope] {
	return es.NewSliceIterator(envelopes)
}

// FailAfterNIterator returns an iterator that yields n items, then fails.
func FailAfterNIterator(envelopes []*es.Envelope, n int, err error) *es.Iterator[*es.Envelope] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (*es.Envelope, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		env := envelopes[idx]
		idx++
		return env, nil
	})
}

// CountingIterator wraps a slice and counts iterations and closes.
type CountingIterator struct {
	inner  *es.Iterator[*es.Envelope]
	Count  int
	Closed int
}

// NewCountingIterator creates a CountingIterator.
func NewCountingIterator(envelopes []*es.Envelope) *CountingIterator {
	ci := &CountingIterator{}
	idx := 0
	ci.inner = es.NewIteratorWithClose(func(ctx context.Context) (*es.Envelope, error) {
		if idx >= len(envelopes) {
			return nil, io.EOF
		}
		ci.Count++
		env := envelopes[idx]
		idx++
		return env, nil
	}, func() error {
		ci.Closed++
		return nil
	})
	return ci
}

// Iterator returns the underlying iterator.
func (c *CountingIterator) Iterator() *es.Iterator[*es.Envelope] {
	return c.inner
}
