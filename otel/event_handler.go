package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// WithEventTelemetry wraps an EventHandler with a span per handled event.
//
// The trace context stored in the envelope metadata at append time is
// extracted and linked to the span, so a projection update can be followed
// back to the commit that produced the event. ErrSkippedEvent is not an error.
func WithEventTelemetry(next es.EventHandler, options ...Option) es.EventHandler {
	cfg := newConfig(options)
	return newEventTelemetry(cfg, "", next)
}

func newEventTelemetry(cfg *config, subscriber string, next es.EventHandler) es.EventHandler {
	return es.NewEventHandlerFunc(func(ctx context.Context, event es.Event) error {
		attr := []attribute.KeyValue{
			AttrEventType.String(event.EventType()),
			AttrEventID.String(es.EventIDFromContext(ctx).String()),
			AttrEventGlobalPos.Int64(int64(es.GlobalVersionFromContext(ctx))),
			AttrEventStreamPos.Int64(int64(es.VersionFromContext(ctx))),
			AttrAggregateID.String(es.AggregateIDFromContext(ctx)),
			AttrLog.String(string(es.LogFromContext(ctx))),
		}
		if subscriber != "" {
			attr = append(attr, AttrSubscriberName.String(subscriber))
		}
		attr = cfg.attributes(ctx, attr...)

		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attr...),
		}

		// Link to the trace that appended the event
		carrier := propagation.MapCarrier{}
		for k, v := range es.MetadataFromContext(ctx) {
			if v != "" {
				carrier[k] = v
			}
		}
		origin := trace.SpanContextFromContext(cfg.Propagator.Extract(context.Background(), carrier))
		if origin.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: origin,
				Attributes: []attribute.KeyValue{
					attribute.String("link.reason", "event.consumed.from.stream"),
				},
			}))
		}

		ctx, span := cfg.Tracer.Start(ctx, fmt.Sprintf("events.handle %s", event.EventType()), opts...)
		defer span.End()

		metricAttrs := metric.WithAttributes(AttrEventType.String(event.EventType()))
		EventBusHandled.Add(ctx, 1, metricAttrs)

		startTime := time.Now()
		err := next.Handle(ctx, event)
		EventBusDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttrs)

		if err != nil {
			if errors.Is(err, &es.ErrSkippedEvent{}) {
				span.SetStatus(codes.Ok, "event skipped")
			} else {
				EventBusErrors.Add(ctx, 1, metricAttrs)
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			}
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	})
}
