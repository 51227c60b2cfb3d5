package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/outbox"
)

type sinkLogger struct {
	logger *logrus.Entry
	next   outbox.Sink
}

func (s *sinkLogger) Send(ctx context.Context, env *es.Envelope) error {
	l := s.logger.WithFields(logrus.Fields{
		"event_type":     env.EventType,
		"aggregate_id":   env.AggregateID,
		"global_version": env.GlobalVersion,
	})

	err := s.next.Send(ctx, env)
	if err != nil {
		l.WithError(err).Error("Relay failed")
		return err
	}
	l.Debug("Relayed")
	return nil
}

// WithSinkLogging wraps an outbox Sink with logging functionality.
func WithSinkLogging(logger *logrus.Entry, next outbox.Sink) outbox.Sink {
	return &sinkLogger{logger: logger, next: next}
}
