package aggregatestore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that an aggregate has neither events nor a snapshot.
	ErrNotFound = errors.New("aggregate not found")
	// ErrConcurrencyConflict reports that another writer already appended at
	// the expected version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrSerialization reports a payload that cannot be encoded or decoded.
	ErrSerialization = errors.New("serialization error")
	// ErrStoreUnavailable reports a transient failure of the backing store.
	// Nothing was committed and the whole operation may be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvariantViolation reports log corruption detected by the engine.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrUnknownEventType  = errors.New("event type not registered")
	ErrInvalidEventBatch = errors.New("invalid event batch")
	ErrStoreClosed       = errors.New("store is closed")
	ErrTxDone            = errors.New("transaction has already been committed or rolled back")
	ErrDuplicateHandler  = errors.New("duplicate handler")
	ErrBusClosed         = errors.New("eventbus is closed")
)

// ConcurrencyConflictError is returned when the expected state of a stream
// does not match what the store holds.
type ConcurrencyConflictError struct {
	Log         Log
	AggregateID string
	Expected    StreamState
	Actual      uint64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s stream %q: (expected %s, actual version %d)",
		e.Log, e.AggregateID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// SerializationError wraps an encode or decode failure for one event.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize event %q: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// StoreError wraps a transient failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("eventstore error: %v", e.Err)
	}
	return fmt.Sprintf("eventstore error: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// WrapStoreError marks err as a transient store failure. Errors that already
// carry a classification, and context errors, are returned unchanged.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrSerialization) || errors.Is(err, ErrInvariantViolation) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// InvariantError reports a broken engine invariant such as a version gap.
type InvariantError struct {
	AggregateID string
	Reason      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation for aggregate %q: %s", e.AggregateID, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

func (e *ErrSkippedEvent) Is(target error) bool {
	_, ok := target.(*ErrSkippedEvent)
	return ok
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsRetryable reports whether the operation that produced err can be retried
// as a whole. Conflicts need a fresh load before retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrencyConflict)
}
