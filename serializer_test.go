package aggregatestore_test

import (
	"errors"
	"testing"

	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/fixtures"
)

type pointerEvent struct {
	Value int `json:"value"`
}

func (*pointerEvent) EventType() string { return "pointer.event" }

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := fixtures.NewSerializer()

	tests := []es.Event{
		fixtures.AccountOpened{Owner: "ada"},
		fixtures.AccountRenamed{Name: "ada lovelace"},
		fixtures.MoneyDeposited{Amount: 42},
		fixtures.AccountActivity{Kind: "opened", Detail: "ada"},
	}
	for _, ev := range tests {
		t.Run(ev.EventType(), func(t *testing.T) {
			data, err := s.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := s.Unmarshal(data, ev.EventType())
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != ev {
				t.Errorf("expected %#v, got %#v", ev, got)
			}
		})
	}
}

func TestJSONSerializerPointerEvents(t *testing.T) {
	s := es.NewJSONSerializer(es.NewRegistry(func() es.Event { return &pointerEvent{} }))

	data, err := s.Marshal(&pointerEvent{Value: 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := s.Unmarshal(data, "pointer.event")
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, ok := got.(*pointerEvent)
	if !ok || ev.Value != 7 {
		t.Fatalf("expected *pointerEvent{7}, got %#v", got)
	}
}

func TestJSONSerializerIgnoresUnknownFields(t *testing.T) {
	s := fixtures.NewSerializer()
	got, err := s.Unmarshal([]byte(`{"owner":"ada","tier":"gold"}`), "account.opened")
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.(fixtures.AccountOpened).Owner != "ada" {
		t.Errorf("unexpected event %#v", got)
	}
}

func TestJSONSerializerErrors(t *testing.T) {
	s := fixtures.NewSerializer()

	if _, err := s.Marshal(nil); !errors.Is(err, es.ErrSerialization) {
		t.Errorf("marshal nil: expected serialization error, got %v", err)
	}
	if _, err := s.Unmarshal([]byte(`{}`), "unknown.event"); !errors.Is(err, es.ErrUnknownEventType) {
		t.Errorf("unknown type: expected ErrUnknownEventType, got %v", err)
	}

	_, err := s.Unmarshal([]byte(`{"amount":"lots"}`), "account.deposited")
	var serr *es.SerializationError
	if !errors.As(err, &serr) {
		t.Fatalf("bad payload: expected *SerializationError, got %v", err)
	}
	if serr.EventType != "account.deposited" {
		t.Errorf("expected event type on error, got %q", serr.EventType)
	}
}
