// Package pubsub carries completion broadcasts and heartbeat relays between
// workers and control-plane instances.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valkey-io/valkey-go"
)

// Handler receives one message. channel is the concrete channel it arrived on.
type Handler func(channel, message string)

type Broker interface {
	Publish(ctx context.Context, channel, message string) error
	// Subscribe blocks, delivering every message whose channel matches the
	// glob pattern, until ctx is cancelled.
	Subscribe(ctx context.Context, pattern string, handler Handler) error
}

// Valkey is a Broker over valkey PUBLISH/PSUBSCRIBE. A dropped subscription
// connection is re-established with capped backoff.
type Valkey struct {
	client     valkey.Client
	log        logrus.FieldLogger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewValkey(client valkey.Client, log logrus.FieldLogger) *Valkey {
	return &Valkey{
		client:     client,
		log:        log.WithField("component", "pubsub"),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
}

func (v *Valkey) Publish(ctx context.Context, channel, message string) error {
	cmd := v.client.B().Publish().Channel(channel).Message(message).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (v *Valkey) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	backoff := v.minBackoff
	for {
		started := time.Now()
		err := v.receive(ctx, pattern, handler)
		if ctx.Err() != nil {
			v.log.WithField("pattern", pattern).Info("pubsub: subscription cancelled")
			return nil
		}

		if time.Since(started) > v.maxBackoff {
			backoff = v.minBackoff
		}
		v.log.WithFields(logrus.Fields{"pattern": pattern, "retryIn": backoff}).
			WithError(err).Warn("pubsub: subscription dropped")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > v.maxBackoff {
			backoff = v.maxBackoff
		}
	}
}

func (v *Valkey) receive(ctx context.Context, pattern string, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscription: %v", r)
		}
	}()

	v.log.WithField("pattern", pattern).Info("pubsub: subscribing")
	return v.client.Receive(ctx, v.client.B().Psubscribe().Pattern(pattern).Build(),
		func(msg valkey.PubSubMessage) {
			defer func() {
				if r := recover(); r != nil {
					v.log.WithFields(logrus.Fields{"channel": msg.Channel, "panic": r}).
						Error("pubsub: panic in message handler")
				}
			}()
			handler(msg.Channel, msg.Message)
		})
}
