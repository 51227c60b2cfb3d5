package aggregatestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestContextGetters(t *testing.T) {
	eventID := uuid.New()
	createdOn := time.Now()
	metadata := map[string]string{"key": "value", MetadataCausationID: "cmd-1"}

	env := &Envelope{
		AggregateID:   "agg-456",
		EventID:       eventID,
		EventType:     "AccountOpened",
		Version:       7,
		GlobalVersion: 42,
		CreatedOn:     createdOn,
		Metadata:      metadata,
	}

	ctxWithEnv := WithEnvelope(t.Context(), env)
	emptyCtx := t.Context()

	tests := []struct {
		name string
		ctx  context.Context
		fn   func(context.Context) any
		want any
	}{
		{
			name: "AggregateIDFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return AggregateIDFromContext(ctx) },
			want: "agg-456",
		},
		{
			name: "AggregateIDFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return AggregateIDFromContext(ctx) },
			want: "",
		},
		{
			name: "EventIDFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return EventIDFromContext(ctx) },
			want: eventID,
		},
		{
			name: "EventIDFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return EventIDFromContext(ctx) },
			want: uuid.Nil,
		},
		{
			name: "EventTypeFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return EventTypeFromContext(ctx) },
			want: "AccountOpened",
		},
		{
			name: "VersionFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return VersionFromContext(ctx) },
			want: uint64(7),
		},
		{
			name: "VersionFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return VersionFromContext(ctx) },
			want: uint64(0),
		},
		{
			name: "GlobalVersionFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return GlobalVersionFromContext(ctx) },
			want: uint64(42),
		},
		{
			name: "GlobalVersionFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return GlobalVersionFromContext(ctx) },
			want: uint64(0),
		},
		{
			name: "CreatedOnFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return CreatedOnFromContext(ctx) },
			want: createdOn,
		},
		{
			name: "CreatedOnFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return CreatedOnFromContext(ctx) },
			want: time.Time{},
		},
		{
			name: "MetadataFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return MetadataFromContext(ctx) },
			want: metadata,
		},
		{
			name: "MetadataFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return MetadataFromContext(ctx) },
			want: map[string]string{},
		},
		{
			name: "CausationFromContext with value",
			ctx:  ctxWithEnv,
			fn:   func(ctx context.Context) any { return CausationFromContext(ctx) },
			want: "cmd-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.ctx)
			switch want := tt.want.(type) {
			case time.Time:
				if !got.(time.Time).Equal(want) {
					t.Errorf("%s = %v, want %v", tt.name, got, want)
				}
			case map[string]string:
				gotMap := got.(map[string]string)
				if len(gotMap) != len(want) {
					t.Errorf("%s = %v, want %v", tt.name, got, want)
				}
				for k, v := range want {
					if gotMap[k] != v {
						t.Errorf("%s = %v, want %v", tt.name, got, want)
					}
				}
			default:
				if got != want {
					t.Errorf("%s = %v, want %v", tt.name, got, want)
				}
			}
		})
	}
}
