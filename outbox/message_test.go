package outbox_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/fixtures"
	"github.com/terraskye/aggregatestore/outbox"
)

func TestEncodeDecode(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env := fixtures.NewEnvelope("acc-1", fixtures.AccountActivity{Kind: "opened", Detail: "ada"},
		fixtures.WithEventID(uuid.New()),
		fixtures.WithVersion(3),
		fixtures.WithGlobalVersion(17),
		fixtures.WithTimestamp(created),
		fixtures.WithMetadataField("trace_id", "abc"),
	)

	raw, err := outbox.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"payload":{"`)) {
		t.Errorf("expected payload embedded as JSON object, got %s", raw)
	}

	got, err := outbox.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != env.EventID || got.AggregateID != "acc-1" || got.Version != 3 || got.GlobalVersion != 17 {
		t.Errorf("identity fields differ: %+v", got)
	}
	if got.EventType != "account.activity" {
		t.Errorf("expected account.activity, got %s", got.EventType)
	}
	if !got.CreatedOn.Equal(created) {
		t.Errorf("expected %v, got %v", created, got.CreatedOn)
	}
	if got.Metadata["trace_id"] != "abc" {
		t.Errorf("expected metadata to survive, got %v", got.Metadata)
	}
	if got.Event != nil {
		t.Errorf("expected Event to stay nil, got %T", got.Event)
	}

	ev, err := fixtures.NewSerializer().Unmarshal(got.Payload, got.EventType)
	if err != nil {
		t.Fatalf("payload no longer decodable: %v", err)
	}
	if a, ok := ev.(fixtures.AccountActivity); !ok || a.Detail != "ada" {
		t.Errorf("unexpected event %#v", ev)
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := outbox.Decode([]byte("not json"))
	if !errors.Is(err, es.ErrSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestEncode_Nil(t *testing.T) {
	if _, err := outbox.Encode(nil); err == nil {
		t.Fatal("expected error for nil envelope")
	}
}
