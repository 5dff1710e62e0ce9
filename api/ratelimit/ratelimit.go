// Package ratelimit is the fixed-window admission check applied before
// dispatch. Counters live in a shared store; when that store fails the
// limiter admits the request and says so in the Decision. Availability wins
// over strict enforcement.
package ratelimit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const keyPrefix = "ratelimit:"

// Counter atomically increments key and starts its expiry on the first hit
// of a window. It returns the post-increment count and the time left in the
// window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	// FailedOpen is set when the counter store errored and the request was
	// admitted without being counted.
	FailedOpen bool
}

type Limiter struct {
	counter Counter
	log     logrus.FieldLogger
}

func New(counter Counter, log logrus.FieldLogger) *Limiter {
	return &Limiter{counter: counter, log: log.WithField("component", "ratelimit")}
}

// Admit counts one request for clientKey against max per window.
func (l *Limiter) Admit(ctx context.Context, clientKey string, window time.Duration, max int) Decision {
	count, ttl, err := l.counter.Incr(ctx, keyPrefix+clientKey, window)
	if err != nil {
		l.log.WithField("client", clientKey).WithError(err).Warn("ratelimit: counter unavailable, admitting request")
		return Decision{Allowed: true, Limit: max, Remaining: max, ResetAfter: window, FailedOpen: true}
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if ttl <= 0 || ttl > window {
		ttl = window
	}
	return Decision{
		Allowed:    count <= int64(max),
		Limit:      max,
		Remaining:  remaining,
		ResetAfter: ttl,
	}
}
