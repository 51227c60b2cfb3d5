package aggregatestore

import "context"

// Publisher receives envelopes after their commit succeeded. Publishing is a
// notification, not part of the commit: implementations must not block the
// caller for long and their failures never undo a commit.
type Publisher interface {
	Publish(ctx context.Context, envelopes ...*Envelope) error
}

// SubscriberOption configures one subscription of an EventBus.
type SubscriberOption func(cfg *SubscriberConfig)

// SubscriberConfig holds the per-subscription settings an EventBus honors.
type SubscriberConfig struct {
	// Filter selects the envelopes delivered to the subscriber. Nil accepts all.
	Filter func(env *Envelope) bool
	// Logs restricts delivery to envelopes of the given logs. Empty means the
	// domain log only.
	Logs []Log
}

// WithFilter delivers only envelopes accepted by fn.
func WithFilter(fn func(env *Envelope) bool) SubscriberOption {
	return func(cfg *SubscriberConfig) {
		cfg.Filter = fn
	}
}

// WithLogs selects the logs a subscriber listens to.
func WithLogs(logs ...Log) SubscriberOption {
	return func(cfg *SubscriberConfig) {
		cfg.Logs = logs
	}
}

// NewSubscriberConfig applies opts to the default configuration.
func NewSubscriberConfig(opts ...SubscriberOption) SubscriberConfig {
	var cfg SubscriberConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Logs) == 0 {
		cfg.Logs = []Log{DomainLog}
	}
	return cfg
}

// EventBus is a Publisher that distributes committed envelopes to
// subscribed handlers in the background.
type EventBus interface {
	Publisher

	// Subscribe registers handler under a unique name. The subscription ends
	// when ctx is done or the bus is closed.
	Subscribe(ctx context.Context, name string, handler EventHandler, options ...SubscriberOption) error

	// Errors returns a channel where asynchronous handling errors are sent.
	Errors() <-chan error

	// Close stops accepting envelopes and waits for all handlers to finish.
	Close() error
}
