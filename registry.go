package aggregatestore

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry maps stable event type tags to factories. It is populated once at
// startup and then only read; a tag missing from the registry marks an event
// that is no longer known to the application.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewRegistry returns a registry pre-populated with the given factories,
// registered under their EventType.
func NewRegistry(factories ...func() Event) *Registry {
	r := &Registry{factories: map[string]func() Event{}}
	for _, fn := range factories {
		r.RegisterType(fn)
	}
	return r
}

// RegisterType registers a new Event type under the tag returned by its
// EventType method.
//
// Panics:
//   - If the factory function is nil.
//   - If the factory returns nil.
//   - If an event with the same tag is already registered.
func (r *Registry) RegisterType(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	ev := fn()
	if ev == nil {
		panic("factory returned nil event")
	}
	r.Register(ev.EventType(), fn)
}

// Register registers a new Event type under a custom tag. It is used to keep
// reading events persisted under a tag that the Go type no longer returns.
func (r *Registry) Register(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	if name == "" {
		panic("cannot register event under an empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	if fn() == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}
	r.factories[name] = fn
}

// New creates a new instance of the event registered under name.
func (r *Registry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TypeName returns the Go type name of v, ignoring pointer indirection.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
