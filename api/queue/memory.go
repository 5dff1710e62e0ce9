package queue

import (
	"context"
	"sync"

	"skuld/api/model"
)

// Memory is an in-process queue for single-instance use. Each runtime has
// its own FIFO; Next blocks until a task for that runtime is available.
type Memory struct {
	mu      sync.Mutex
	pending map[string][]*model.TaskMessage
	ready   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string][]*model.TaskMessage),
		ready:   make(chan struct{}),
	}
}

func (q *Memory) Enqueue(ctx context.Context, task *model.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.pending[task.Runtime] = append(q.pending[task.Runtime], task)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// Next removes and returns the oldest task for runtime.
func (q *Memory) Next(ctx context.Context, runtime string) (*model.TaskMessage, error) {
	for {
		q.mu.Lock()
		if tasks := q.pending[runtime]; len(tasks) > 0 {
			task := tasks[0]
			q.pending[runtime] = tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Depth reports queued tasks per runtime.
func (q *Memory) Depth() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.pending))
	for runtime, tasks := range q.pending {
		if len(tasks) > 0 {
			out[runtime] = len(tasks)
		}
	}
	return out
}
