// Package redis publishes relayed notifications on a Redis channel.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	es "github.com/terraskye/aggregatestore"
	"github.com/terraskye/aggregatestore/outbox"
)

// DefaultChannel is used when NewSink is given an empty channel.
const DefaultChannel = "aggregatestore.notifications"

// Sink publishes envelopes on one Redis channel.
type Sink struct {
	client  goredis.UniversalClient
	channel string
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink returns a Sink publishing on channel through client.
func NewSink(client goredis.UniversalClient, channel string) *Sink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Sink{client: client, channel: channel}
}

// Dial connects to addr and checks the connection with a ping.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Channel returns the channel the sink publishes on.
func (s *Sink) Channel() string {
	return s.channel
}

// Send publishes env. A failure is reported as a transient store error so the
// relay retries it on its next poll.
func (s *Sink) Send(ctx context.Context, env *es.Envelope) error {
	raw, err := outbox.Encode(env)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, raw).Err(); err != nil {
		return es.WrapStoreError("redis publish", err)
	}
	return nil
}

// Subscribe listens on channel and calls fn for every decodable message until
// ctx is done. It returns once the subscription is confirmed by the server.
func Subscribe(ctx context.Context, client goredis.UniversalClient, channel string, logger *logrus.Entry, fn func(context.Context, *es.Envelope)) error {
	if fn == nil {
		return errors.New("redis subscribe: callback required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				env, err := outbox.Decode([]byte(m.Payload))
				if err != nil {
					logger.WithField("channel", channel).WithError(err).Warn("bad notification payload")
					continue
				}
				fn(es.WithLog(ctx, es.NotificationLog), env)
			}
		}
	}()
	return nil
}
