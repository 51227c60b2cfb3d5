// Package otel decorates storages, repositories, buses and handlers with
// OpenTelemetry spans and metrics.
package otel

import (
	es "github.com/terraskye/aggregatestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/aggregatestore/otel"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Aggregate attributes
	AttrAggregateID   = attribute.Key("aggregatestore.aggregate.id")
	AttrAggregateType = attribute.Key("aggregatestore.aggregate.type")
	AttrVersion       = attribute.Key("aggregatestore.aggregate.version")

	// Envelope attributes
	AttrLog            = attribute.Key("aggregatestore.log")
	AttrEventType      = attribute.Key("aggregatestore.event.type")
	AttrEventID        = attribute.Key("aggregatestore.event.id")
	AttrEventCount     = attribute.Key("aggregatestore.events.count")
	AttrEventGlobalPos = attribute.Key("aggregatestore.event.global_position")
	AttrEventStreamPos = attribute.Key("aggregatestore.event.stream_position")
	AttrExpected       = attribute.Key("aggregatestore.stream.expected")

	// EventBus attributes
	AttrSubscriberName = attribute.Key("aggregatestore.subscriber.name")

	// Operation attributes
	AttrOperation = attribute.Key("aggregatestore.operation")
	AttrFound     = attribute.Key("aggregatestore.load.found")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(es.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(es.InstrumentationVersion))

	// Repository metrics
	RepositoryLoads, _ = meter.Int64Counter(
		"aggregatestore.repository.loads",
		metric.WithDescription("Total number of aggregate loads"),
		metric.WithUnit("{load}"),
	)

	RepositoryCommits, _ = meter.Int64Counter(
		"aggregatestore.repository.commits",
		metric.WithDescription("Total number of successful commits"),
		metric.WithUnit("{commit}"),
	)

	RepositoryFailures, _ = meter.Int64Counter(
		"aggregatestore.repository.failures",
		metric.WithDescription("Number of failed loads and commits"),
		metric.WithUnit("{operation}"),
	)

	RepositoryInFlight, _ = meter.Int64UpDownCounter(
		"aggregatestore.repository.in_flight",
		metric.WithDescription("Number of repository operations currently running"),
		metric.WithUnit("{operation}"),
	)

	RepositoryDuration, _ = meter.Float64Histogram(
		"aggregatestore.repository.duration",
		metric.WithDescription("Repository operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"aggregatestore.repository.conflicts",
		metric.WithDescription("Number of commits rejected by a concurrency conflict"),
		metric.WithUnit("{conflict}"),
	)

	// EventData metrics
	EventsAppended, _ = meter.Int64Counter(
		"aggregatestore.store.events.appended",
		metric.WithDescription("Number of envelopes appended through the store"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"aggregatestore.store.events.loaded",
		metric.WithDescription("Number of envelopes read from the store"),
		metric.WithUnit("{event}"),
	)

	// EventBus metrics
	EventBusPublished, _ = meter.Int64Counter(
		"aggregatestore.eventbus.published",
		metric.WithDescription("Number of envelopes published to the event bus"),
		metric.WithUnit("{event}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"aggregatestore.eventbus.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"aggregatestore.eventbus.errors",
		metric.WithDescription("Number of event handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"aggregatestore.eventbus.duration",
		metric.WithDescription("Event handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// Store metrics
	StoreOperations, _ = meter.Int64Counter(
		"aggregatestore.store.operations",
		metric.WithDescription("Number of storage operations"),
		metric.WithUnit("{operation}"),
	)

	StoreDuration, _ = meter.Float64Histogram(
		"aggregatestore.store.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	StoreErrors, _ = meter.Int64Counter(
		"aggregatestore.store.errors",
		metric.WithDescription("Number of storage errors"),
		metric.WithUnit("{error}"),
	)
)
