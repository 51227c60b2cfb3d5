package aggregatestore

import (
	"context"
	"io"
	"slices"
)

// Predicate is a side-effect free test over an envelope.
type Predicate func(env *Envelope) bool

// Criteria selects envelopes from a log. The zero value matches everything in
// ascending order without a limit. Criteria values are immutable: every
// builder method returns a modified copy.
type Criteria struct {
	AggregateID  string
	EventTypes   []string
	FromVersion  uint64 // exclusive lower bound on Version, 0 = none
	ToVersion    uint64 // inclusive upper bound on Version, 0 = none
	FromPosition uint64 // exclusive lower bound on GlobalVersion, 0 = none
	Predicates   []Predicate
	MaxCount     int // 0 = unlimited
	Descending   bool
}

// NewCriteria returns an empty Criteria.
func NewCriteria() Criteria {
	return Criteria{}
}

// ForAggregate restricts the selection to one aggregate stream.
func (c Criteria) ForAggregate(id string) Criteria {
	c.AggregateID = id
	return c
}

// OfTypes restricts the selection to the given event type tags.
func (c Criteria) OfTypes(names ...string) Criteria {
	c.EventTypes = append(slices.Clip(c.EventTypes), names...)
	return c
}

// AfterVersion keeps envelopes whose version is strictly greater than v.
func (c Criteria) AfterVersion(v uint64) Criteria {
	c.FromVersion = v
	return c
}

// UpToVersion keeps envelopes whose version is at most v.
func (c Criteria) UpToVersion(v uint64) Criteria {
	c.ToVersion = v
	return c
}

// AfterPosition keeps envelopes whose global position is strictly greater than p.
func (c Criteria) AfterPosition(p uint64) Criteria {
	c.FromPosition = p
	return c
}

// Where adds a predicate. Predicates are combined with AND.
func (c Criteria) Where(p Predicate) Criteria {
	if p == nil {
		return c
	}
	c.Predicates = append(slices.Clip(c.Predicates), p)
	return c
}

// Limit truncates the selection to n envelopes. n <= 0 removes the limit.
func (c Criteria) Limit(n int) Criteria {
	if n < 0 {
		n = 0
	}
	c.MaxCount = n
	return c
}

// Reverse returns envelopes newest first.
func (c Criteria) Reverse() Criteria {
	c.Descending = true
	return c
}

// Matches reports whether env satisfies every filter of c. Ordering and
// MaxCount are not considered.
func (c Criteria) Matches(env *Envelope) bool {
	if env == nil {
		return false
	}
	if c.AggregateID != "" && env.AggregateID != c.AggregateID {
		return false
	}
	if len(c.EventTypes) > 0 && !slices.Contains(c.EventTypes, env.EventType) {
		return false
	}
	if env.Version <= c.FromVersion {
		return false
	}
	if c.ToVersion > 0 && env.Version > c.ToVersion {
		return false
	}
	if env.GlobalVersion <= c.FromPosition {
		return false
	}
	return c.MatchesPredicates(env)
}

// MatchesPredicates evaluates only the Where predicates of c. Stores that push
// the structured filters down to their query language use it for the rest.
func (c Criteria) MatchesPredicates(env *Envelope) bool {
	for _, p := range c.Predicates {
		if !p(env) {
			return false
		}
	}
	return true
}

// Apply filters, orders and truncates envelopes. The input must be sorted
// ascending by global position; the input slice is not modified.
func (c Criteria) Apply(envelopes []*Envelope) []*Envelope {
	out := make([]*Envelope, 0, len(envelopes))
	for _, env := range envelopes {
		if c.Matches(env) {
			out = append(out, env)
		}
	}
	if c.Descending {
		slices.Reverse(out)
	}
	if c.MaxCount > 0 && len(out) > c.MaxCount {
		out = out[:c.MaxCount]
	}
	return out
}

// LimitIterator truncates an iterator to the MaxCount of c and evaluates its
// predicates. Stores use it when only part of the criteria could be pushed
// down.
func (c Criteria) LimitIterator(it *Iterator[*Envelope]) *Iterator[*Envelope] {
	returned := 0
	return NewIteratorWithClose(func(ctx context.Context) (*Envelope, error) {
		for {
			if c.MaxCount > 0 && returned >= c.MaxCount {
				return nil, io.EOF
			}
			if !it.Next(ctx) {
				if err := it.Err(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			env := it.Value()
			if !c.MatchesPredicates(env) {
				continue
			}
			returned++
			return env, nil
		}
	}, it.Close)
}
