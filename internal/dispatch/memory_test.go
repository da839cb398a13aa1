package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueRoundTrip(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx := context.Background()

	task := Task{BroadcastID: 1, RecipientID: 2, Attempt: 1}
	require.NoError(t, queue.Enqueue(ctx, task))

	tasks, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, task, <-tasks)

	require.NoError(t, queue.Close())
	_, open := <-tasks
	assert.False(t, open)
}

func TestMemoryQueueRejectsEnqueueAfterClose(t *testing.T) {
	queue := NewMemoryQueue(4)
	require.NoError(t, queue.Close())
	require.Error(t, queue.Enqueue(context.Background(), Task{RecipientID: 1}))
	require.NoError(t, queue.Close(), "closing twice is safe")
}

func TestMemoryQueueSurvivesEnqueueCloseRace(t *testing.T) {
	// Retry timers keep enqueueing while shutdown closes the queue; the
	// late enqueues must fail with an error, never panic.
	queue := NewMemoryQueue(1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				queue.Enqueue(ctx, Task{RecipientID: uint(n*100 + j)})
			}
		}(i)
	}
	require.NoError(t, queue.Close())
	wg.Wait()
}
