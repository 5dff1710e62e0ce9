package pubsub

import (
	"context"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
)

// Memory is an in-process Broker for single-instance and test use. Patterns
// use path.Match glob syntax.
type Memory struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int
	log  logrus.FieldLogger
}

type memorySub struct {
	pattern string
	msgs    chan memoryMsg
	done    chan struct{}
}

type memoryMsg struct {
	channel string
	message string
}

func NewMemory(log logrus.FieldLogger) *Memory {
	return &Memory{
		subs: make(map[int]*memorySub),
		log:  log.WithField("component", "pubsub"),
	}
}

func (m *Memory) Publish(ctx context.Context, channel, message string) error {
	m.mu.RLock()
	var targets []*memorySub
	for _, s := range m.subs {
		if ok, _ := path.Match(s.pattern, channel); ok {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.msgs <- memoryMsg{channel: channel, message: message}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return err
	}

	sub := &memorySub{
		pattern: pattern,
		msgs:    make(chan memoryMsg, 256),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		close(sub.done)
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.msgs:
			m.dispatch(handler, msg)
		}
	}
}

func (m *Memory) dispatch(handler Handler, msg memoryMsg) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{"channel": msg.channel, "panic": r}).
				Error("pubsub: panic in message handler")
		}
	}()
	handler(msg.channel, msg.message)
}

// Subscribers reports the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
