package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher publishes domain events to RabbitMQ, one durable queue per
// event type under a common prefix.
type RabbitPublisher struct {
	mu       sync.Mutex
	channel  *amqp091.Channel
	conn     *amqp091.Connection
	prefix   string
	declared map[string]bool
}

// NewRabbitPublisher dials the broker and opens a channel.
func NewRabbitPublisher(url, prefix string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if prefix == "" {
		prefix = "zapdesk"
	}

	log.Info().Str("prefix", prefix).Msg("RabbitMQ event publisher connected")
	return &RabbitPublisher{
		conn:     conn,
		channel:  channel,
		prefix:   prefix,
		declared: make(map[string]bool),
	}, nil
}

// queueName maps an event type to its queue.
func (p *RabbitPublisher) queueName(eventType string) string {
	return p.prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
}

// Publish marshals the event and publishes it to the event type's queue.
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("eventType", event.Type).Msg("Could not marshal domain event")
		return err
	}

	queue := p.queueName(event.Type)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queue] {
		// Declare queue (idempotent)
		if _, err := p.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
			return err
		}
		p.declared[queue] = true
	}

	err = p.channel.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not publish domain event")
		return err
	}

	log.Debug().Str("queue", queue).Str("eventType", event.Type).Msg("Published domain event")
	return nil
}

// Close shuts the channel and connection down.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
