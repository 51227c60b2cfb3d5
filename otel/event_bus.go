package otel

import (
	"context"

	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ es.EventBus = (*TelemetryEventBus)(nil)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Publish gets a producer span. Every subscription is wrapped with the same
// instrumentation as WithEventTelemetry, adding the subscriber name to the
// span so that several projections of one event can be told apart.
type TelemetryEventBus struct {
	next es.EventBus
	cfg  *config
}

// WithEventBusTelemetry wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Example Usage:
//
//	bus := otel.WithEventBusTelemetry(memory.NewEventBus())
//	err := bus.Subscribe(ctx, "balance-projector", handler)
func WithEventBusTelemetry(next es.EventBus, options ...Option) *TelemetryEventBus {
	return &TelemetryEventBus{next: next, cfg: newConfig(options)}
}

func (t *TelemetryEventBus) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	log := es.LogFromContext(ctx)
	ctx, span := t.cfg.Tracer.Start(ctx, "eventbus.publish "+string(log),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrLog.String(string(log)),
			AttrEventCount.Int(len(envelopes)),
		)...),
	)
	defer span.End()

	err := t.next.Publish(ctx, envelopes...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	EventBusPublished.Add(ctx, int64(len(envelopes)), metric.WithAttributes(AttrLog.String(string(log))))
	return nil
}

// Subscribe registers next wrapped with telemetry instrumentation.
func (t *TelemetryEventBus) Subscribe(ctx context.Context, name string, next es.EventHandler, options ...es.SubscriberOption) error {
	return t.next.Subscribe(ctx, name, newEventTelemetry(t.cfg, name, next), options...)
}

// Errors returns the error channel from the underlying event bus.
func (t *TelemetryEventBus) Errors() <-chan error {
	return t.next.Errors()
}

// Close closes the underlying event bus and waits for all handlers to finish.
func (t *TelemetryEventBus) Close() error {
	return t.next.Close()
}
