package ratelimit

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const pruneEvery = 1024

// MemoryCounter is a single-instance Counter. Windows are fixed and start on
// the first hit for a key.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	clock   clock.PassiveClock
	calls   int
}

type window struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter(clk clock.PassiveClock) *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window), clock: clk}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, length time.Duration) (int64, time.Duration, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls%pruneEvery == 0 {
		for k, w := range c.windows {
			if !now.Before(w.expires) {
				delete(c.windows, k)
			}
		}
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(length)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}
