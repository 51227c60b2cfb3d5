package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/aggregatestore"
)

// PublisherSpy records every envelope handed to Publish.
type PublisherSpy struct {
	mu sync.Mutex

	// Function override
	PublishFn func(ctx context.Context, envelopes ...*es.Envelope) error

	// Call tracking
	PublishCalls int
	Published    []*es.Envelope
	Logs         []es.Log // log of each published envelope
	LastCtxErr   error

	publishErr error
}

// NewPublisherSpy creates a new PublisherSpy.
func NewPublisherSpy() *PublisherSpy {
	return &PublisherSpy{}
}

// FailOnPublish makes Publish return err after recording.
func (p *PublisherSpy) FailOnPublish(err error) *PublisherSpy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishErr = err
	return p
}

// Publish implements Publisher.Publish.
func (p *PublisherSpy) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	p.mu.Lock()
	p.PublishCalls++
	p.Published = append(p.Published, envelopes...)
	for range envelopes {
		p.Logs = append(p.Logs, es.LogFromContext(ctx))
	}
	p.LastCtxErr = ctx.Err()
	fn, err := p.PublishFn, p.publishErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, envelopes...)
	}
	return err
}

// Envelopes returns the published envelopes of log.
func (p *PublisherSpy) Envelopes(log es.Log) []*es.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*es.Envelope
	for i, env := range p.Published {
		if p.Logs[i] == log {
			out = append(out, env)
		}
	}
	return out
}

// EventHandlerSpy is a configurable mock EventHandler for testing.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, event es.Event) error

	// Call tracking
	HandleCalls int

	// Captured events and the envelope found in their context
	ReceivedEvents    []es.Event
	ReceivedVersions  []uint64
	ReceivedAggregate []string

	handleErr error
	received  chan struct{}
}

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{received: make(chan struct{}, 1024)}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handleErr = err
	return h
}

// Handle implements EventHandler.Handle.
func (h *EventHandlerSpy) Handle(ctx context.Context, event es.Event) error {
	h.mu.Lock()
	h.HandleCalls++
	h.ReceivedEvents = append(h.ReceivedEvents, event)
	h.ReceivedVersions = append(h.ReceivedVersions, es.VersionFromContext(ctx))
	h.ReceivedAggregate = append(h.ReceivedAggregate, es.AggregateIDFromContext(ctx))
	fn, err := h.HandleFn, h.handleErr
	h.mu.Unlock()

	defer func() {
		select {
		case h.received <- struct{}{}:
		default:
		}
	}()

	if fn != nil {
		return fn(ctx, event)
	}
	return err
}

// Received is signalled after every Handle call.
func (h *EventHandlerSpy) Received() <-chan struct{} {
	return h.received
}

// EventCount returns the number of events received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}

// Versions returns the envelope versions seen in the handler contexts.
func (h *EventHandlerSpy) Versions() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.ReceivedVersions...)
}

// LastEvent returns the most recently received event, or nil if none.
func (h *EventHandlerSpy) LastEvent() es.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ReceivedEvents) == 0 {
		return nil
	}
	return h.ReceivedEvents[len(h.ReceivedEvents)-1]
}
