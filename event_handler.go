package aggregatestore

import (
	"context"
	"fmt"
	"reflect"
	"slices"
)

// EventHandler handles events delivered by an EventBus. The envelope of the
// event is available from ctx through the *FromContext accessors.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// NewEventHandlerFunc adapts fn to an EventHandler receiving every event.
// Use OnEvent for a handler bound to one event type.
//
//	h := NewEventHandlerFunc(func(ctx context.Context, ev Event) error {
//	    log.Println(ev.EventType(), AggregateIDFromContext(ctx), VersionFromContext(ctx))
//	    return nil
//	})
func NewEventHandlerFunc(fn func(ctx context.Context, event Event) error) EventHandler {
	return eventHandlerFunc(fn)
}

type eventHandlerFunc func(ctx context.Context, event Event) error

func (h eventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return h(ctx, event)
}

// routedHandler is implemented by handlers bound to a single event type tag.
type routedHandler interface {
	EventHandler
	EventType() string
}

type typedHandler[T Event] struct {
	eventType string
	fn        func(ctx context.Context, ev T) error
}

func (h typedHandler[T]) EventType() string { return h.eventType }

func (h typedHandler[T]) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(T)
	if !ok {
		return &ErrSkippedEvent{Event: event}
	}
	return h.fn(ctx, ev)
}

// OnEvent binds fn to the event type T. The handler is routed by the tag T
// reports from EventType, the same tag events are persisted under. Events of
// any other type are rejected with ErrSkippedEvent.
func OnEvent[T Event](fn func(ctx context.Context, ev T) error) EventHandler {
	return typedHandler[T]{eventType: eventTypeOf[T](), fn: fn}
}

// eventTypeOf returns the tag of T without requiring an instance.
func eventTypeOf[T Event]() string {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T).EventType()
	}
	var zero T
	return zero.EventType()
}

// EventGroupProcessor routes events to one handler per event type so a single
// subscription can serve a whole projection.
//
//	group := NewEventGroupProcessor(
//	    OnEvent(p.OnAccountOpened),
//	    OnEvent(p.OnAccountRenamed),
//	)
//	bus.Subscribe(ctx, "projector", group, group.Subscription())
type EventGroupProcessor struct {
	handlers map[string]EventHandler
}

// NewEventGroupProcessor panics if a handler was not built with OnEvent or if
// two handlers claim the same event type.
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	m := make(map[string]EventHandler, len(handlers))
	for _, h := range handlers {
		r, ok := h.(routedHandler)
		if !ok {
			panic(fmt.Errorf("handler %T is not bound to an event type, use OnEvent", h))
		}
		if _, exists := m[r.EventType()]; exists {
			panic(fmt.Errorf("event type %s: %w", r.EventType(), ErrDuplicateHandler))
		}
		m[r.EventType()] = h
	}
	return &EventGroupProcessor{handlers: m}
}

// Handle returns ErrSkippedEvent when no handler is bound to the event type.
func (p *EventGroupProcessor) Handle(ctx context.Context, ev Event) error {
	h, ok := p.handlers[ev.EventType()]
	if !ok {
		return &ErrSkippedEvent{Event: ev}
	}
	return h.Handle(ctx, ev)
}

// Handles returns the sorted event type tags of the group.
func (p *EventGroupProcessor) Handles() []string {
	out := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Subscription filters a bus subscription down to the envelopes the group
// handles, so unrouted events are never queued for it.
func (p *EventGroupProcessor) Subscription() SubscriberOption {
	return WithFilter(func(env *Envelope) bool {
		_, ok := p.handlers[env.EventType]
		return ok
	})
}
