// Package dispatch fans broadcast campaigns out to their recipients through
// a work queue, one gateway send per task, with bounded retries.
package dispatch

import "context"

// Task is one unit of broadcast work: send one broadcast message to one
// recipient. Attempt is the number of delivery attempts already made when
// the task was enqueued.
type Task struct {
	BroadcastID uint `json:"broadcast_id"`
	RecipientID uint `json:"recipient_id"`
	Attempt     int  `json:"attempt"`
}

// Queue transports dispatch tasks between the producer and the workers.
// Implementations must be safe for concurrent enqueue.
type Queue interface {
	// Enqueue hands a task to the queue.
	Enqueue(ctx context.Context, task Task) error
	// Consume returns the channel workers range over. The channel closes
	// when the queue shuts down or ctx is canceled.
	Consume(ctx context.Context) (<-chan Task, error)
	// Close releases the queue's resources.
	Close() error
}
