package aggregatestore_test

import (
	"errors"
	"testing"

	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/fixtures"
)

func TestRegistryNew(t *testing.T) {
	reg := fixtures.NewRegistry()

	ev, err := reg.New("account.opened")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := ev.(fixtures.AccountOpened); !ok {
		t.Fatalf("expected AccountOpened, got %T", ev)
	}

	_, err = reg.New("account.closed")
	if !errors.Is(err, es.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRegistryNames(t *testing.T) {
	reg := es.NewRegistry(
		func() es.Event { return fixtures.MoneyDeposited{} },
		func() es.Event { return fixtures.AccountOpened{} },
	)
	reg.Register("account.created.v0", func() es.Event { return fixtures.AccountOpened{} })

	want := []string{"account.created.v0", "account.deposited", "account.opened"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !reg.Has("account.created.v0") || reg.Has("account.renamed") {
		t.Error("Has disagrees with the registered names")
	}
}

func TestRegistryPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(r *es.Registry)
	}{
		{name: "nil factory", fn: func(r *es.Registry) { r.RegisterType(nil) }},
		{name: "nil event", fn: func(r *es.Registry) { r.RegisterType(func() es.Event { return nil }) }},
		{name: "empty name", fn: func(r *es.Registry) { r.Register("", func() es.Event { return fixtures.TestEvent{} }) }},
		{name: "duplicate", fn: func(r *es.Registry) { r.RegisterType(func() es.Event { return fixtures.AccountOpened{} }) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.fn(fixtures.NewRegistry())
		})
	}
}

func TestTypeName(t *testing.T) {
	tests := []struct {
		v    any
		want string
	}{
		{v: fixtures.AccountOpened{}, want: "github.com/terraskye/aggregatestore/fixtures.AccountOpened"},
		{v: &fixtures.AccountOpened{}, want: "github.com/terraskye/aggregatestore/fixtures.AccountOpened"},
		{v: nil, want: ""},
		{v: 3, want: "int"},
	}
	for _, tt := range tests {
		if got := es.TypeName(tt.v); got != tt.want {
			t.Errorf("TypeName(%T) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
