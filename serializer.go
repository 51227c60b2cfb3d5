package aggregatestore

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

// Serializer turns events into opaque payloads and back.
type Serializer interface {
	Marshal(event Event) ([]byte, error)
	// Unmarshal decodes data into the event registered under eventType.
	// Unknown tags fail with ErrUnknownEventType.
	Unmarshal(data []byte, eventType string) (Event, error)
}

// JSONSerializer encodes events as JSON and resolves types through a Registry.
// Unknown fields are ignored on read so that payloads written by newer
// versions of an event stay readable.
type JSONSerializer struct {
	registry *Registry
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer returns a serializer backed by registry.
func NewJSONSerializer(registry *Registry) *JSONSerializer {
	return &JSONSerializer{registry: registry}
}

// Registry returns the registry used to resolve event types.
func (s *JSONSerializer) Registry() *Registry {
	return s.registry
}

func (s *JSONSerializer) Marshal(event Event) ([]byte, error) {
	if event == nil {
		return nil, &SerializationError{Err: fmt.Errorf("nil event")}
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, &SerializationError{EventType: event.EventType(), Err: err}
	}
	return data, nil
}

func (s *JSONSerializer) Unmarshal(data []byte, eventType string) (Event, error) {
	ev, err := s.registry.New(eventType)
	if err != nil {
		return nil, err
	}

	v := reflect.ValueOf(ev)
	if v.Kind() == reflect.Pointer {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, &SerializationError{EventType: eventType, Err: err}
		}
		return ev, nil
	}

	// Value events are decoded through a pointer and returned by value so the
	// result has the same dynamic type the factory produced.
	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, &SerializationError{EventType: eventType, Err: err}
	}
	return ptr.Elem().Interface().(Event), nil
}
