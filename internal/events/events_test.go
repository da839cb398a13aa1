package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNameMapping(t *testing.T) {
	publisher := &RabbitPublisher{prefix: "zapdesk"}
	assert.Equal(t, "zapdesk_message_received", publisher.queueName(MessageReceived))
	assert.Equal(t, "zapdesk_message_sent", publisher.queueName(MessageSent))
}

func TestMemoryPublisherRecordsEvents(t *testing.T) {
	publisher := &MemoryPublisher{}
	event := Event{Type: MessageReceived, OrganizationID: 1, ConversationID: 2, OccurredAt: time.Now()}
	require.NoError(t, publisher.Publish(context.Background(), event))

	got := publisher.Events()
	require.Len(t, got, 1)
	assert.Equal(t, MessageReceived, got[0].Type)

	// The returned slice is a copy.
	got[0].Type = "mutated"
	assert.Equal(t, MessageReceived, publisher.Events()[0].Type)
}
