package aggregatestore

import "fmt"

// StreamState is the state a stream is expected to be in before an append.
type StreamState interface {
	fmt.Stringer
	matches(actual uint64) bool
}

// Any means append without checking the current version.
type Any struct{}

func (Any) matches(uint64) bool { return true }
func (Any) String() string      { return "any" }

// NoStream means the stream must not exist yet.
type NoStream struct{}

func (NoStream) matches(actual uint64) bool { return actual == 0 }
func (NoStream) String() string             { return "no stream" }

// StreamExists means the stream must hold at least one envelope.
type StreamExists struct{}

func (StreamExists) matches(actual uint64) bool { return actual > 0 }
func (StreamExists) String() string             { return "stream exists" }

// Revision matches exactly the given stream version. Revision(0) is
// equivalent to NoStream.
type Revision uint64

func (r Revision) matches(actual uint64) bool { return uint64(r) == actual }
func (r Revision) String() string             { return fmt.Sprintf("version %d", uint64(r)) }

// CheckRevision returns a *ConcurrencyConflictError when actual does not
// satisfy the expected state.
func CheckRevision(log Log, aggregateID string, expected StreamState, actual uint64) error {
	if expected == nil {
		expected = Any{}
	}
	if expected.matches(actual) {
		return nil
	}
	return &ConcurrencyConflictError{
		Log:         log,
		AggregateID: aggregateID,
		Expected:    expected,
		Actual:      actual,
	}
}

// ValidateBatch checks that envelopes all belong to aggregateID and carry
// contiguous versions starting right after actual. A batch that starts at any
// other version was built against a stale stream and is a conflict.
func ValidateBatch(log Log, aggregateID string, actual uint64, envelopes []Envelope) error {
	for i, env := range envelopes {
		if env.AggregateID != aggregateID {
			return fmt.Errorf("%w: envelope %d belongs to %q, batch is for %q",
				ErrInvalidEventBatch, i, env.AggregateID, aggregateID)
		}
		if env.Version == 0 {
			return fmt.Errorf("%w: envelope %d has no version", ErrInvalidEventBatch, i)
		}
		if i == 0 && env.Version != actual+1 {
			return &ConcurrencyConflictError{
				Log:         log,
				AggregateID: aggregateID,
				Expected:    Revision(env.Version - 1),
				Actual:      actual,
			}
		}
		if i > 0 && env.Version != envelopes[i-1].Version+1 {
			return fmt.Errorf("%w: version %d follows %d", ErrInvalidEventBatch, env.Version, envelopes[i-1].Version)
		}
	}
	return nil
}
