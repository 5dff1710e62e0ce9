package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skuld/api/model"
)

var _ Queue = (*Streams)(nil)
var _ Queue = (*Memory)(nil)

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "tasks:python3.12:3", StreamKey("python3.12", 3))
}

func TestShardIsStableAndSpreads(t *testing.T) {
	assert.Equal(t, 0, Shard("anything", 1))
	assert.Equal(t, 0, Shard("anything", 0))
	assert.Equal(t, Shard("c-42", 8), Shard("c-42", 8))

	seen := map[int]int{}
	for i := 0; i < 400; i++ {
		s := Shard(fmt.Sprintf("corr-%d", i), 4)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 4)
		seen[s]++
	}
	assert.Len(t, seen, 4, "ids should land on every shard")
	for shard, n := range seen {
		assert.Greater(t, n, 40, "shard %d is starved", shard)
	}
}

func TestMemoryFIFOPerRuntime(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &model.TaskMessage{CorrelationID: "a", Runtime: "go"}))
	require.NoError(t, q.Enqueue(ctx, &model.TaskMessage{CorrelationID: "b", Runtime: "python"}))
	require.NoError(t, q.Enqueue(ctx, &model.TaskMessage{CorrelationID: "c", Runtime: "go"}))
	assert.Equal(t, map[string]int{"go": 2, "python": 1}, q.Depth())

	first, err := q.Next(ctx, "go")
	require.NoError(t, err)
	second, err := q.Next(ctx, "go")
	require.NoError(t, err)
	assert.Equal(t, "a", first.CorrelationID)
	assert.Equal(t, "c", second.CorrelationID)
	assert.Equal(t, map[string]int{"python": 1}, q.Depth())
}

func TestMemoryNextBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	got := make(chan *model.TaskMessage, 1)
	go func() {
		task, err := q.Next(ctx, "node")
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &model.TaskMessage{CorrelationID: "x", Runtime: "node"}))

	select {
	case task := <-got:
		assert.Equal(t, "x", task.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on enqueue")
	}
}

func TestMemoryNextHonorsContext(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx, "go")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
