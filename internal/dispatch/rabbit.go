package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitQueue is the broker-backed Queue. Tasks live in one durable queue so
// they survive restarts; messages are acked only after decoding.
type RabbitQueue struct {
	conn      *amqp091.Connection
	channel   *amqp091.Channel
	queueName string
	prefetch  int
}

// NewRabbitQueue dials the broker and declares the dispatch queue.
func NewRabbitQueue(url, prefix string, prefetch int) (*RabbitQueue, error) {
	if prefix == "" {
		prefix = "zapdesk"
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	queueName := prefix + "_broadcast_dispatch"
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare dispatch queue: %w", err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set channel QoS: %w", err)
	}

	log.Info().Str("queue", queueName).Int("prefetch", prefetch).Msg("RabbitMQ dispatch queue ready")
	return &RabbitQueue{conn: conn, channel: channel, queueName: queueName, prefetch: prefetch}, nil
}

func (q *RabbitQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch task: %w", err)
	}
	return q.channel.PublishWithContext(ctx,
		"",          // exchange (default)
		q.queueName, // routing key = queue
		false,       // mandatory
		false,       // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         data,
		},
	)
}

func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Task, error) {
	deliveries, err := q.channel.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming dispatch queue: %w", err)
	}

	tasks := make(chan Task)
	go func() {
		defer close(tasks)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				var task Task
				if err := json.Unmarshal(delivery.Body, &task); err != nil {
					log.Error().Err(err).Msg("Dropping undecodable dispatch task")
					delivery.Nack(false, false)
					continue
				}
				delivery.Ack(false)
				select {
				case tasks <- task:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return tasks, nil
}

func (q *RabbitQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		return err
	}
	return q.conn.Close()
}
