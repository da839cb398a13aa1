// Package events carries domain events from the pipeline to the real-time
// notification collaborator.
package events

import (
	"context"
	"sync"
	"time"
)

// Domain event types emitted by the pipeline.
const (
	MessageReceived = "message.received"
	MessageSent     = "message.sent"
)

// Event is one domain event, scoped to an organization and a conversation.
type Event struct {
	Type           string      `json:"type"`
	OrganizationID uint        `json:"organization_id"`
	ConversationID uint        `json:"conversation_id"`
	Payload        interface{} `json:"payload,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// Publisher delivers domain events. Implementations must be safe for
// concurrent use; delivery failures are the publisher's to log, never the
// pipeline's to propagate.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards all events. Used for backfill runs, which skip
// real-time emission.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
