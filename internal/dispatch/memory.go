package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process Queue for tests and single-node deployments
// without a broker.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  chan Task
	closed bool
}

// NewMemoryQueue creates a MemoryQueue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{tasks: make(chan Task, size)}
}

// Enqueue holds the lock across the channel send so a concurrent Close can
// never close the channel out from under it.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(context.Context) (<-chan Task, error) {
	return q.tasks, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}
