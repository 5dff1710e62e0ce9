package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"skuld/api/model"
)

// Memory keeps job records in process. Reads do not extend a record's life.
// A nil event in the cache is a reservation.
type Memory struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *model.CompletionEvent]
}

func NewMemory() *Memory {
	return &Memory{
		cache: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, *model.CompletionEvent]()),
	}
}

// Run evicts expired records until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) {
	go m.cache.Start()
	<-ctx.Done()
	m.cache.Stop()
}

func (m *Memory) Put(_ context.Context, correlationID string, evt *model.CompletionEvent, ttl time.Duration) error {
	stored := *evt
	m.mu.Lock()
	m.cache.Set(correlationID, &stored, ttl)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, correlationID string) (*model.CompletionEvent, bool, error) {
	item := m.cache.Get(correlationID)
	if item == nil || item.Value() == nil {
		return nil, false, nil
	}
	evt := *item.Value()
	return &evt, true, nil
}

func (m *Memory) Reserve(_ context.Context, correlationID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Get(correlationID) != nil {
		return false, nil
	}
	m.cache.Set(correlationID, nil, ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.cache.Get(correlationID); item != nil && item.Value() == nil {
		m.cache.Delete(correlationID)
	}
	return nil
}

func (m *Memory) Len() int { return m.cache.Len() }
