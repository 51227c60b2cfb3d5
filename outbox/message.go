package outbox

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
)

// Message is the wire form of a notification envelope.
type Message struct {
	EventID       uuid.UUID         `json:"event_id"`
	AggregateID   string            `json:"aggregate_id"`
	Version       uint64            `json:"version"`
	GlobalVersion uint64            `json:"global_version"`
	EventType     string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedOn     time.Time         `json:"created_on"`
}

// Encode returns the Message of env as JSON.
func Encode(env *es.Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	return json.Marshal(Message{
		EventID:       env.EventID,
		AggregateID:   env.AggregateID,
		Version:       env.Version,
		GlobalVersion: env.GlobalVersion,
		EventType:     env.EventType,
		Payload:       json.RawMessage(env.Payload),
		Metadata:      env.Metadata,
		CreatedOn:     env.CreatedOn,
	})
}

// Decode parses a Message back into an envelope. The Event field is left nil.
func Decode(data []byte) (*es.Envelope, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &es.SerializationError{EventType: "outbox message", Err: err}
	}
	return &es.Envelope{
		EventID:       m.EventID,
		AggregateID:   m.AggregateID,
		Version:       m.Version,
		GlobalVersion: m.GlobalVersion,
		EventType:     m.EventType,
		Payload:       []byte(m.Payload),
		Metadata:      m.Metadata,
		CreatedOn:     m.CreatedOn,
	}, nil
}
