package aggregatestore

import (
	"context"
	"errors"
	"io"
)

// Iterator is a lazy, finite sequence. A producer signals the end of the
// sequence by returning io.EOF, which is not reported by Err.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
	closer   func() error
}

// NewIteratorFunc creates an Iterator from a function that produces the next
// item.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewIteratorWithClose is like NewIteratorFunc with a release function that
// runs once, when the sequence ends or Close is called.
func NewIteratorWithClose[T any](nextFunc func(ctx context.Context) (T, error), closeFunc func() error) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc, closer: closeFunc}
}

// NewSliceIterator creates an Iterator over a slice.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	idx := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if idx >= len(items) {
			return zero, io.EOF
		}
		item := items[idx]
		idx++
		return item, nil
	})
}

// Next advances the iterator. It returns false once the sequence is exhausted
// or an error occurred.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}

	var zero T
	it.current, it.err = it.nextFunc(ctx)
	if it.err != nil {
		it.current = zero
		it.done = true
		if errors.Is(it.err, io.EOF) {
			it.err = nil
		}
		if cerr := it.Close(); cerr != nil && it.err == nil {
			it.err = cerr
		}
		return false
	}
	return true
}

// Close releases the resources held by the iterator. Iterators that are
// drained to the end close themselves.
func (it *Iterator[T]) Close() error {
	it.done = true
	if it.closer == nil {
		return nil
	}
	fn := it.closer
	it.closer = nil
	return fn()
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items in a slice.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	var results []T
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
