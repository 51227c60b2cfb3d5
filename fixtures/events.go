package fixtures

import (
	"fmt"

	es "github.com/terraskye/aggregatestore"
)

// AccountOpened starts the history of an Account.
type AccountOpened struct {
	Owner string `json:"owner"`
}

func (AccountOpened) EventType() string { return "account.opened" }

// AccountRenamed changes the display name of an Account.
type AccountRenamed struct {
	Name string `json:"name"`
}

func (AccountRenamed) EventType() string { return "account.renamed" }

// MoneyDeposited increases the balance of an Account.
type MoneyDeposited struct {
	Amount int `json:"amount"`
}

func (MoneyDeposited) EventType() string { return "account.deposited" }

// AccountActivity is the notification recorded next to every Account event.
type AccountActivity struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (AccountActivity) EventType() string { return "account.activity" }

// TestEvent is a configurable test event implementing the Event interface.
type TestEvent struct {
	Type string `json:"-"`
	Data string `json:"data"`
}

func (e TestEvent) EventType() string {
	if e.Type == "" {
		return "test.event"
	}
	return e.Type
}

// TestEventBuilder provides a fluent API for constructing test events.
type TestEventBuilder struct {
	typ  string
	data string
}

// NewTestEvent creates a new TestEventBuilder with sensible defaults.
func NewTestEvent() *TestEventBuilder {
	return &TestEventBuilder{typ: "test.event"}
}

// WithType sets the event type.
func (b *TestEventBuilder) WithType(typ string) *TestEventBuilder {
	b.typ = typ
	return b
}

// WithData sets custom data on the event.
func (b *TestEventBuilder) WithData(data string) *TestEventBuilder {
	b.data = data
	return b
}

// Build constructs the TestEvent.
func (b *TestEventBuilder) Build() TestEvent {
	return TestEvent{Type: b.typ, Data: b.data}
}

// BuildN creates n events with sequential data.
func (b *TestEventBuilder) BuildN(n int) []es.Event {
	events := make([]es.Event, n)
	for i := range events {
		events[i] = TestEvent{Type: b.typ, Data: fmt.Sprintf("%s-%d", b.data, i+1)}
	}
	return events
}

// NewRegistry returns a registry holding every fixture event.
func NewRegistry() *es.Registry {
	return es.NewRegistry(
		func() es.Event { return AccountOpened{} },
		func() es.Event { return AccountRenamed{} },
		func() es.Event { return MoneyDeposited{} },
		func() es.Event { return AccountActivity{} },
		func() es.Event { return TestEvent{} },
	)
}

// NewSerializer returns a JSON serializer over NewRegistry.
func NewSerializer() *es.JSONSerializer {
	return es.NewJSONSerializer(NewRegistry())
}
