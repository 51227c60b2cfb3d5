package otel

import (
	"context"

	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// config holds the options shared by every decorator of this package.
type config struct {
	// Attributes holds the default attributes for each span created by the
	// decorator.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue

	// Tracer starts the spans. It defaults to the tracer of the global
	// provider.
	Tracer trace.Tracer

	// Propagator injects the trace context into envelope metadata and
	// extracts it again on the consuming side.
	Propagator propagation.TextMapPropagator
}

func newConfig(options []Option) *config {
	cfg := &config{}
	for _, o := range options {
		o.apply(cfg)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracer
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	return cfg
}

func (c *config) attributes(ctx context.Context, attrs ...attribute.KeyValue) []attribute.KeyValue {
	attrs = append(attrs, c.Attributes...)
	if c.GetAttributes != nil {
		attrs = append(attrs, c.GetAttributes(ctx)...)
	}
	return attrs
}

// Option configures a decorator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

// WithAttributes sets the default attributes for the spans created by the
// decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(o *config) {
		if tp != nil {
			o.Tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(es.InstrumentationVersion))
		}
	})
}

// WithPropagator uses p instead of the global text map propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return optionFunc(func(o *config) {
		o.Propagator = p
	})
}
