package fixtures

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
)

// EnvelopeOption is a functional option for configuring an Envelope.
type EnvelopeOption func(*es.Envelope)

// NewEnvelope creates an Envelope at version 1 of aggregateID carrying event,
// with its payload encoded as JSON.
func NewEnvelope(aggregateID string, event es.Event, opts ...EnvelopeOption) *es.Envelope {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	env := &es.Envelope{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		Version:       1,
		GlobalVersion: 1,
		EventType:     event.EventType(),
		Payload:       payload,
		CreatedOn:     time.Now().UTC(),
		Event:         event,
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// WithEventID sets a specific event ID.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *es.Envelope) {
		e.EventID = id
	}
}

// WithVersion sets the stream version.
func WithVersion(v uint64) EnvelopeOption {
	return func(e *es.Envelope) {
		e.Version = v
	}
}

// WithGlobalVersion sets the global version.
func WithGlobalVersion(v uint64) EnvelopeOption {
	return func(e *es.Envelope) {
		e.GlobalVersion = v
	}
}

// WithEventType overrides the persisted type tag.
func WithEventType(t string) EnvelopeOption {
	return func(e *es.Envelope) {
		e.EventType = t
	}
}

// WithPayload overrides the encoded payload.
func WithPayload(p []byte) EnvelopeOption {
	return func(e *es.Envelope) {
		e.Payload = p
	}
}

// WithTimestamp sets the creation time.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *es.Envelope) {
		e.CreatedOn = t
	}
}

// WithMetadataField adds a single metadata field.
func WithMetadataField(key, value string) EnvelopeOption {
	return func(e *es.Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// WithoutEvent drops the decoded event, as a store would.
func WithoutEvent() EnvelopeOption {
	return func(e *es.Envelope) {
		e.Event = nil
	}
}

// EnvelopesFromEvents creates envelopes of aggregateID with sequential
// versions starting at 1.
func EnvelopesFromEvents(aggregateID string, events ...es.Event) []*es.Envelope {
	envelopes := make([]*es.Envelope, len(events))
	base := time.Now().UTC()
	for i, event := range events {
		envelopes[i] = NewEnvelope(aggregateID, event,
			WithVersion(uint64(i+1)),
			WithGlobalVersion(uint64(i+1)),
			WithTimestamp(base.Add(time.Duration(i)*time.Millisecond)),
		)
	}
	return envelopes
}

// EnvelopeValuesFromEvents is EnvelopesFromEvents for Append, which takes
// values. The decoded events are dropped.
func EnvelopeValuesFromEvents(aggregateID string, events ...es.Event) []es.Envelope {
	ptrs := EnvelopesFromEvents(aggregateID, events...)
	values := make([]es.Envelope, len(ptrs))
	for i, p := range ptrs {
		values[i] = *p
		values[i].Event = nil
	}
	return values
}
