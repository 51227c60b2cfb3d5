package aggregatestore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

// Define constants for context keys
const (
	aggregateIDKey   ctxKey = "aggregateID"
	eventIDKey       ctxKey = "eventID"
	eventTypeKey     ctxKey = "eventType"
	versionKey       ctxKey = "version"
	globalVersionKey ctxKey = "global_version"
	createdOnKey     ctxKey = "createdOn"
	metadataKey      ctxKey = "metadata"
	logKey           ctxKey = "log"
)

// WithLog records which log the envelopes handled under ctx belong to.
func WithLog(ctx context.Context, log Log) context.Context {
	return context.WithValue(ctx, logKey, log)
}

// LogFromContext returns the log set by WithLog, DomainLog when absent.
func LogFromContext(ctx context.Context) Log {
	if v, ok := ctx.Value(logKey).(Log); ok && v != "" {
		return v
	}
	return DomainLog
}

// WithEnvelope adds the envelope fields of a published event to the context.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, aggregateIDKey, env.AggregateID)
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	ctx = context.WithValue(ctx, eventTypeKey, env.EventType)
	ctx = context.WithValue(ctx, versionKey, env.Version)
	ctx = context.WithValue(ctx, globalVersionKey, env.GlobalVersion)
	ctx = context.WithValue(ctx, createdOnKey, env.CreatedOn)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	return ctx
}

// AggregateIDFromContext returns the AggregateID or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	if v := ctx.Value(aggregateIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if v := ctx.Value(eventIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// EventTypeFromContext returns the event type tag or "" if not present
func EventTypeFromContext(ctx context.Context) string {
	if v := ctx.Value(eventTypeKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// VersionFromContext returns the Version or 0 if not present
func VersionFromContext(ctx context.Context) uint64 {
	if v := ctx.Value(versionKey); v != nil {
		if ver, ok := v.(uint64); ok {
			return ver
		}
	}
	return 0
}

// GlobalVersionFromContext returns the GlobalVersion or 0 if not present
func GlobalVersionFromContext(ctx context.Context) uint64 {
	if v := ctx.Value(globalVersionKey); v != nil {
		if ver, ok := v.(uint64); ok {
			return ver
		}
	}
	return 0
}

// CreatedOnFromContext returns CreatedOn or zero time if not present
func CreatedOnFromContext(ctx context.Context) time.Time {
	if v := ctx.Value(createdOnKey); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) map[string]string {
	if v := ctx.Value(metadataKey); v != nil {
		if md, ok := v.(map[string]string); ok {
			return md
		}
	}
	return nil
}

// CausationFromContext returns the causation id recorded in the envelope
// metadata, or "".
func CausationFromContext(ctx context.Context) string {
	return MetadataFromContext(ctx)[MetadataCausationID]
}

// Well known metadata keys.
const (
	MetadataCausationID   = "causationId"
	MetadataCorrelationID = "correlationId"
)
