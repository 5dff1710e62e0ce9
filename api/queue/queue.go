// Package queue publishes task messages for workers to pull.
//
// Tasks go to a valkey stream per runtime and shard. The shard comes from a
// hash of the correlation id, so unrelated tasks spread across partitions and
// no global order is implied. Each entry carries the correlation id as its
// dedupId so a worker can drop redeliveries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/valkey-io/valkey-go"

	"skuld/api/model"
)

type Queue interface {
	Enqueue(ctx context.Context, task *model.TaskMessage) error
}

// StreamKey names the stream a task for runtime lands in.
func StreamKey(runtime string, shard int) string {
	return fmt.Sprintf("tasks:%s:%d", runtime, shard)
}

// Shard maps a correlation id onto one of n partitions with FNV-1a.
func Shard(correlationID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return int(h.Sum32() % uint32(n))
}

type Streams struct {
	client valkey.Client
	shards int
	maxLen int64
}

func NewStreams(client valkey.Client, shards int, maxLen int64) *Streams {
	if shards <= 0 {
		shards = 1
	}
	return &Streams{client: client, shards: shards, maxLen: maxLen}
}

func (q *Streams) Enqueue(ctx context.Context, task *model.TaskMessage) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	key := StreamKey(task.Runtime, Shard(task.CorrelationID, q.shards))
	cmd := q.client.B().Xadd().Key(key).
		Maxlen().Almost().Threshold(strconv.FormatInt(q.maxLen, 10)).
		Id("*").
		FieldValue().
		FieldValue("dedupId", task.CorrelationID).
		FieldValue("functionId", task.FunctionID).
		FieldValue("task", string(data)).
		Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", task.CorrelationID, key, err)
	}
	return nil
}
