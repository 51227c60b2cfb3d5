package logging

import (
	"context"
	"errors"
	"log/slog"

	es "github.com/terraskye/aggregatestore"
)

// WithLoggingMiddleware logs the envelope of every event passing through next.
func WithLoggingMiddleware(logger *slog.Logger, next es.EventHandler) es.EventHandler {
	return es.NewEventHandlerFunc(func(ctx context.Context, event es.Event) error {
		l := logger.With(
			"event-type", event.EventType(),
			"log", string(es.LogFromContext(ctx)),
			"aggregate-id", es.AggregateIDFromContext(ctx),
			"causation", es.CausationFromContext(ctx),
			"version", es.VersionFromContext(ctx),
			"global-version", es.GlobalVersionFromContext(ctx),
		)

		l.DebugContext(ctx, "event processing started")

		err := next.Handle(ctx, event)

		switch {
		case err == nil:
			l.DebugContext(ctx, "event processed successfully")
		case errors.Is(err, &es.ErrSkippedEvent{}):
			l.DebugContext(ctx, "event skipped")
		default:
			l.ErrorContext(ctx, "error processing event", "error", err)
		}

		return err
	})
}
