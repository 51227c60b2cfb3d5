package aggregatestore

import (
	"time"

	"github.com/google/uuid"
)

// Event is a typed fact produced by an aggregate. EventType returns the stable
// tag under which the event is registered and persisted.
type Event interface {
	EventType() string
}

// Log identifies one of the append-only logs kept by a Storage.
type Log string

const (
	// DomainLog holds the events an aggregate is rebuilt from.
	DomainLog Log = "domain_events"
	// NotificationLog is the outbox of integration events recorded alongside
	// domain events.
	NotificationLog Log = "notification_events"
)

// Envelope is the persisted, immutable record wrapping one serialized event.
type Envelope struct {
	EventID     uuid.UUID
	AggregateID string
	// Version is the position of the envelope inside its aggregate stream.
	// Versions start at 1 and are contiguous.
	Version uint64
	// GlobalVersion is assigned by the store on append and orders envelopes
	// across all aggregates of one log.
	GlobalVersion uint64
	EventType     string
	Payload       []byte
	Metadata      map[string]string
	CreatedOn     time.Time

	// Event is the decoded payload when it is known. Stores never persist it.
	Event Event
}

// Clone returns a copy of the envelope that shares no mutable state.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	AggregateID string
	// NextExpectedVersion is the stream version after the append.
	NextExpectedVersion uint64
	// LastGlobalVersion is the position assigned to the last envelope written.
	LastGlobalVersion uint64
}
