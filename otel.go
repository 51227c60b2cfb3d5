package aggregatestore

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/aggregatestore"

	// InstrumentationVersion is reported with every meter and tracer of the module.
	InstrumentationVersion = "0.1.0"
)

const (
	attrAggregateID   = attribute.Key("aggregatestore.aggregate.id")
	attrAggregateType = attribute.Key("aggregatestore.aggregate.type")
	attrEventType     = attribute.Key("aggregatestore.event.type")
	attrEventCount    = attribute.Key("aggregatestore.events.count")
	attrVersion       = attribute.Key("aggregatestore.aggregate.version")
	attrStrategy      = attribute.Key("aggregatestore.load.strategy")
	attrLog           = attribute.Key("aggregatestore.log")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(InstrumentationVersion))

	eventsAppended, _ = meter.Int64Counter(
		"aggregatestore.events.appended",
		metric.WithDescription("Number of envelopes committed"),
		metric.WithUnit("{event}"),
	)

	eventsLoaded, _ = meter.Int64Counter(
		"aggregatestore.events.loaded",
		metric.WithDescription("Number of envelopes replayed onto aggregates"),
		metric.WithUnit("{event}"),
	)

	eventsSkipped, _ = meter.Int64Counter(
		"aggregatestore.events.skipped",
		metric.WithDescription("Number of envelopes skipped during replay"),
		metric.WithUnit("{event}"),
	)

	concurrencyConflicts, _ = meter.Int64Counter(
		"aggregatestore.concurrency.conflicts",
		metric.WithDescription("Number of commits rejected by a concurrency conflict"),
		metric.WithUnit("{conflict}"),
	)

	snapshotsSaved, _ = meter.Int64Counter(
		"aggregatestore.snapshots.saved",
		metric.WithDescription("Number of snapshots written"),
		metric.WithUnit("{snapshot}"),
	)

	snapshotsLoaded, _ = meter.Int64Counter(
		"aggregatestore.snapshots.loaded",
		metric.WithDescription("Number of loads that started from a snapshot"),
		metric.WithUnit("{snapshot}"),
	)

	commitDuration, _ = meter.Float64Histogram(
		"aggregatestore.commits.duration",
		metric.WithDescription("Commit duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	loadDuration, _ = meter.Float64Histogram(
		"aggregatestore.loads.duration",
		metric.WithDescription("Aggregate load duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
)
