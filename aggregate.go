package aggregatestore

import "fmt"

// Aggregate is the interface that all aggregates must implement.
type Aggregate interface {
	// AggregateID returns the unique identifier of the aggregate.
	AggregateID() string

	// AggregateVersion returns the version of the last committed or replayed event.
	AggregateVersion() uint64

	// SetAggregateVersion sets the version of the aggregate.
	SetAggregateVersion(version uint64)

	// IsEmpty reports whether no event has ever been applied.
	IsEmpty() bool

	// ApplyEvent mutates the aggregate state. It is called during replay and
	// by Raise; it must not queue the event.
	ApplyEvent(event Event) error

	// AppendEvent queues a domain event for the next commit.
	AppendEvent(event Event)

	// AppendNotification queues a notification event for the next commit.
	AppendNotification(event Event)

	// UncommittedEvents returns the queued domain events.
	UncommittedEvents() []Event

	// UncommittedNotifications returns the queued notification events.
	UncommittedNotifications() []Event

	// ClearUncommittedEvents empties both queues once a commit succeeded.
	ClearUncommittedEvents()
}

// Snapshotter is implemented by aggregates that can capture and restore their
// state as a memento.
type Snapshotter interface {
	Memento() ([]byte, error)
	SetMemento(data []byte) error
}

// AggregateBase implements the bookkeeping part of Aggregate. Embed it and
// implement ApplyEvent.
type AggregateBase struct {
	id            string
	v             uint64
	applied       bool
	events        []Event
	notifications []Event
}

// NewAggregateBase creates an aggregate.
func NewAggregateBase(id string) *AggregateBase {
	return &AggregateBase{id: id}
}

// AggregateID implements the AggregateID method of the Aggregate interface.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// AggregateVersion implements the AggregateVersion method of the Aggregate interface.
func (a *AggregateBase) AggregateVersion() uint64 {
	return a.v
}

// SetAggregateVersion implements the SetAggregateVersion method of the Aggregate interface.
func (a *AggregateBase) SetAggregateVersion(v uint64) {
	a.v = v
	if v > 0 {
		a.applied = true
	}
}

// IsEmpty implements the IsEmpty method of the Aggregate interface.
func (a *AggregateBase) IsEmpty() bool {
	return !a.applied && len(a.events) == 0
}

// UncommittedEvents implements the UncommittedEvents method of the Aggregate interface.
func (a *AggregateBase) UncommittedEvents() []Event {
	return a.events
}

// UncommittedNotifications implements the UncommittedNotifications method of
// the Aggregate interface.
func (a *AggregateBase) UncommittedNotifications() []Event {
	return a.notifications
}

// ClearUncommittedEvents implements the ClearUncommittedEvents method of the Aggregate interface.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.events = nil
	a.notifications = nil
}

// AppendEvent appends an event for later retrieval by UncommittedEvents.
func (a *AggregateBase) AppendEvent(event Event) {
	a.events = append(a.events, event)
}

// AppendNotification appends an event for later retrieval by UncommittedNotifications.
func (a *AggregateBase) AppendNotification(event Event) {
	a.notifications = append(a.notifications, event)
}

// Raise applies event to agg and queues it for the next commit together with
// the notifications it produced. Nothing is queued when ApplyEvent fails.
func Raise(agg Aggregate, event Event, notifications ...Event) error {
	if event == nil {
		return fmt.Errorf("raise on aggregate %q: nil event", agg.AggregateID())
	}
	if err := agg.ApplyEvent(event); err != nil {
		return fmt.Errorf("raise %s on aggregate %q: %w", event.EventType(), agg.AggregateID(), err)
	}
	agg.AppendEvent(event)
	for _, n := range notifications {
		agg.AppendNotification(n)
	}
	return nil
}
