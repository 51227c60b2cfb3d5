package aggregatestore

import "fmt"

// ApplyHandler applies one concrete event type to aggregate state.
type ApplyHandler interface {
	NewEvent() Event
	Apply(event Event) error
}

type genericApplyHandler[T Event] struct {
	applyFunc func(event T) error
}

// On creates an ApplyHandler based on provided function, the event type is
// inferred from the function argument.
func On[T Event](applyFunc func(event T)) ApplyHandler {
	return &genericApplyHandler[T]{
		applyFunc: func(event T) error {
			applyFunc(event)
			return nil
		},
	}
}

// OnE is like On for apply functions that can reject an event.
func OnE[T Event](applyFunc func(event T) error) ApplyHandler {
	return &genericApplyHandler[T]{applyFunc: applyFunc}
}

func (c genericApplyHandler[T]) NewEvent() Event {
	var zero T
	return zero
}

func (c genericApplyHandler[T]) Apply(e Event) error {
	event, ok := e.(T)
	if !ok {
		return fmt.Errorf("apply handler for %s received %T", TypeName(c.NewEvent()), e)
	}
	return c.applyFunc(event)
}

// Applier dispatches events to the handler registered for their Go type.
// Events without a handler are ignored.
type Applier struct {
	handlers map[string]ApplyHandler
}

// NewApplier builds an Applier from the given handlers. It panics when two
// handlers are registered for the same type.
func NewApplier(handlers ...ApplyHandler) *Applier {
	m := make(map[string]ApplyHandler, len(handlers))
	for _, h := range handlers {
		name := TypeName(h.NewEvent())
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("duplicate apply handler for %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}
	return &Applier{handlers: m}
}

// Apply routes ev to its handler.
func (a *Applier) Apply(ev Event) error {
	if h, ok := a.handlers[TypeName(ev)]; ok {
		return h.Apply(ev)
	}
	return nil
}
