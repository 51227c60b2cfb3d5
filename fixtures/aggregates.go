package fixtures

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	es "github.com/terraskye/aggregatestore"
)

var (
	ErrAlreadyOpen   = errors.New("account already open")
	ErrNotOpen       = errors.New("account not open")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Account is a snapshot capable test aggregate.
type Account struct {
	*es.AggregateBase
	applier *es.Applier

	Open    bool
	Owner   string
	Name    string
	Balance int
}

var (
	_ es.Aggregate   = (*Account)(nil)
	_ es.Snapshotter = (*Account)(nil)
)

// NewAccount is the Factory of Account.
func NewAccount(id string) *Account {
	a := &Account{AggregateBase: es.NewAggregateBase(id)}
	a.applier = es.NewApplier(
		es.On(func(ev AccountOpened) {
			a.Open = true
			a.Owner = ev.Owner
			a.Name = ev.Owner
		}),
		es.On(func(ev AccountRenamed) { a.Name = ev.Name }),
		es.On(func(ev MoneyDeposited) { a.Balance += ev.Amount }),
	)
	return a
}

func (a *Account) ApplyEvent(event es.Event) error {
	return a.applier.Apply(event)
}

// OpenAccount raises AccountOpened.
func (a *Account) OpenAccount(owner string) error {
	if a.Open {
		return ErrAlreadyOpen
	}
	return es.Raise(a, AccountOpened{Owner: owner}, AccountActivity{Kind: "opened", Detail: owner})
}

// Rename raises AccountRenamed.
func (a *Account) Rename(name string) error {
	if !a.Open {
		return ErrNotOpen
	}
	return es.Raise(a, AccountRenamed{Name: name}, AccountActivity{Kind: "renamed", Detail: name})
}

// Deposit raises MoneyDeposited without a notification.
func (a *Account) Deposit(amount int) error {
	if !a.Open {
		return ErrNotOpen
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return es.Raise(a, MoneyDeposited{Amount: amount})
}

type accountMemento struct {
	Open    bool   `json:"open"`
	Owner   string `json:"owner"`
	Name    string `json:"name"`
	Balance int    `json:"balance"`
}

func (a *Account) Memento() ([]byte, error) {
	return json.Marshal(accountMemento{Open: a.Open, Owner: a.Owner, Name: a.Name, Balance: a.Balance})
}

func (a *Account) SetMemento(data []byte) error {
	var m accountMemento
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode account memento: %w", err)
	}
	a.Open, a.Owner, a.Name, a.Balance = m.Open, m.Owner, m.Name, m.Balance
	return nil
}

// State returns the business state of a, for equality checks in tests.
func (a *Account) State() AccountState {
	return AccountState{Open: a.Open, Owner: a.Owner, Name: a.Name, Balance: a.Balance, Version: a.AggregateVersion()}
}

// AccountState is a comparable view of an Account.
type AccountState struct {
	Open    bool
	Owner   string
	Name    string
	Balance int
	Version uint64
}

// Counter is a test aggregate without snapshot support. Every applied
// TestEvent increments it.
type Counter struct {
	*es.AggregateBase
	Count int
	Seen  []string
}

// NewCounter is the Factory of Counter.
func NewCounter(id string) *Counter {
	return &Counter{AggregateBase: es.NewAggregateBase(id)}
}

func (c *Counter) ApplyEvent(event es.Event) error {
	ev, ok := event.(TestEvent)
	if !ok {
		return nil
	}
	c.Count++
	c.Seen = append(c.Seen, ev.Data)
	return nil
}

// Increment raises a TestEvent carrying data.
func (c *Counter) Increment(data string) error {
	return es.Raise(c, TestEvent{Type: "test.event", Data: data})
}

// BrokenMemento is an Account whose memento can never be produced or
// restored.
type BrokenMemento struct {
	*Account
}

// NewBrokenMemento is the Factory of BrokenMemento.
func NewBrokenMemento(id string) *BrokenMemento {
	return &BrokenMemento{Account: NewAccount(id)}
}

func (b *BrokenMemento) Memento() ([]byte, error) {
	return nil, errors.New("memento unavailable")
}

func (b *BrokenMemento) SetMemento([]byte) error {
	return errors.New("memento corrupted")
}
