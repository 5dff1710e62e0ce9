package jobstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skuld/api/model"
)

var _ Store = (*Memory)(nil)
var _ Store = (*Valkey)(nil)
var _ Reserver = (*Memory)(nil)
var _ Reserver = (*Valkey)(nil)

func sampleEvent(id string, status model.Status) *model.CompletionEvent {
	return &model.CompletionEvent{
		CorrelationID: id,
		FunctionID:    "resize",
		Status:        status,
		DurationMs:    420,
		MemoryUsedMB:  64,
		Stdout:        "ok",
		CompletedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPutThenGetReturnsIdenticalEvent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	evt := sampleEvent("c-1", model.StatusSuccess)

	require.NoError(t, s.Put(ctx, "c-1", evt, time.Hour))

	got, ok, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, evt, got)
}

func TestGetUnknownIsPending(t *testing.T) {
	s := NewMemory()

	got, ok, err := s.Get(context.Background(), "never-dispatched")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestPutLastWriteWins(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "c-1", sampleEvent("c-1", model.StatusTimeout), time.Hour))
	require.NoError(t, s.Put(ctx, "c-1", sampleEvent("c-1", model.StatusSuccess), time.Hour))

	got, ok, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, 1, s.Len())
}

func TestExpiredRecordReadsAsPending(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "c-1", sampleEvent("c-1", model.StatusSuccess), 20*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, ok, err := s.Get(ctx, "c-1")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "c-1", sampleEvent("c-1", model.StatusSuccess), time.Hour))

	got, _, _ := s.Get(ctx, "c-1")
	got.Status = model.StatusError

	again, _, _ := s.Get(ctx, "c-1")
	assert.Equal(t, model.StatusSuccess, again.Status)
}

func TestReserveIsExclusiveAndReadsAsPending(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ok, err := s.Reserve(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Reserve(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation of the same id must fail")

	_, found, err := s.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, found, "a reservation reads as pending")
}

func TestReserveRejectsCompletedID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "order-1", sampleEvent("order-1", model.StatusSuccess), time.Hour))

	ok, err := s.Reserve(ctx, "order-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseDropsOnlyReservations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ok, _ := s.Reserve(ctx, "order-1", time.Hour)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, "order-1"))
	ok, _ = s.Reserve(ctx, "order-1", time.Hour)
	assert.True(t, ok, "released id can be reserved again")

	require.NoError(t, s.Put(ctx, "order-2", sampleEvent("order-2", model.StatusSuccess), time.Hour))
	require.NoError(t, s.Release(ctx, "order-2"))
	_, found, _ := s.Get(ctx, "order-2")
	assert.True(t, found, "release must not drop a stored completion")
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Reserve(ctx, "order-1", time.Hour); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
