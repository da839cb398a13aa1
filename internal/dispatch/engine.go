package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/services"
)

// Defaults for the retry policy: a send gets three attempts in total, with
// growing pauses between them.
var defaultBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

const defaultMaxAttempts = 3

// EngineConfig tunes the dispatch engine.
type EngineConfig struct {
	// Workers is the number of concurrent task processors.
	Workers int
	// SendDelay is the minimum pause between two sends on the same
	// instance.
	SendDelay time.Duration
	// Backoff holds the pause before each re-attempt; the last entry
	// repeats if attempts outnumber entries.
	Backoff []time.Duration
	// MaxAttempts caps delivery attempts per recipient.
	MaxAttempts int
}

// Engine consumes dispatch tasks and performs the gateway sends. Sends on the
// same instance are serialized through a per-instance gate so a burst of
// workers never hammers one session.
type Engine struct {
	broadcasts *services.BroadcastService
	identity   *services.IdentityService
	instances  *services.InstanceService
	gateway    *gateway.Client
	queue      Queue
	config     EngineConfig

	gatesMu sync.Mutex
	gates   map[uint]*sendGate
	workers sync.WaitGroup
	retries sync.WaitGroup
}

// sendGate serializes sends per instance and tracks when the last one left.
type sendGate struct {
	mu       sync.Mutex
	lastSend time.Time
}

// NewEngine creates a dispatch engine.
func NewEngine(broadcasts *services.BroadcastService, identity *services.IdentityService, instances *services.InstanceService, gatewayClient *gateway.Client, queue Queue, config EngineConfig) (*Engine, error) {
	if broadcasts == nil || identity == nil || instances == nil {
		return nil, fmt.Errorf("engine service dependencies cannot be nil")
	}
	if gatewayClient == nil {
		return nil, fmt.Errorf("gateway client cannot be nil for dispatch engine")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil for dispatch engine")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if len(config.Backoff) == 0 {
		config.Backoff = defaultBackoff
	}
	return &Engine{
		broadcasts: broadcasts,
		identity:   identity,
		instances:  instances,
		gateway:    gatewayClient,
		queue:      queue,
		config:     config,
		gates:      make(map[uint]*sendGate),
	}, nil
}

// Start launches the worker pool and re-enqueues work a previous process left
// behind. It returns once the workers are running; cancel ctx (and close the
// queue) to stop them.
func (e *Engine) Start(ctx context.Context) error {
	tasks, err := e.queue.Consume(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < e.config.Workers; i++ {
		e.workers.Add(1)
		go func(worker int) {
			defer e.workers.Done()
			for task := range tasks {
				e.process(ctx, task)
			}
			log.Debug().Int("worker", worker).Msg("Dispatch worker stopped")
		}(i)
	}
	e.resume(ctx)
	log.Info().Int("workers", e.config.Workers).Msg("Dispatch engine started")
	return nil
}

// resume picks up broadcasts stranded in processing by a crash: recipients
// still pending are re-enqueued, and broadcasts whose fan-out already ended
// get their final status settled. Recipients that reached a terminal state
// are filtered by the workers, so re-enqueueing is idempotent.
func (e *Engine) resume(ctx context.Context) {
	ids, err := e.broadcasts.ProcessingBroadcasts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query interrupted broadcasts")
		return
	}
	for _, id := range ids {
		pending, err := e.broadcasts.PendingRecipients(ctx, id)
		if err != nil {
			log.Error().Err(err).Uint("broadcastID", id).Msg("Failed to load pending recipients for resume")
			continue
		}
		if len(pending) == 0 {
			if err := e.broadcasts.Settle(ctx, id); err != nil {
				log.Error().Err(err).Uint("broadcastID", id).Msg("Failed to settle interrupted broadcast")
			}
			continue
		}
		for _, recipient := range pending {
			task := Task{BroadcastID: id, RecipientID: recipient.ID, Attempt: recipient.AttemptCount}
			if err := e.queue.Enqueue(ctx, task); err != nil {
				log.Error().Err(err).Uint("recipientID", recipient.ID).Msg("Failed to re-enqueue interrupted recipient")
			}
		}
		log.Info().Uint("broadcastID", id).Int("pending", len(pending)).Msg("Resumed interrupted broadcast")
	}
}

// Wait blocks until all workers and pending retry timers have finished.
func (e *Engine) Wait() {
	e.workers.Wait()
	e.retries.Wait()
}

// StartBroadcast moves a broadcast into processing and enqueues one task per
// pending recipient.
func (e *Engine) StartBroadcast(ctx context.Context, broadcastID uint) error {
	_, pending, err := e.broadcasts.BeginProcessing(ctx, broadcastID)
	if err != nil {
		return err
	}
	for _, recipient := range pending {
		task := Task{BroadcastID: broadcastID, RecipientID: recipient.ID, Attempt: recipient.AttemptCount}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("failed to enqueue recipient %d: %w", recipient.ID, err)
		}
	}
	return nil
}

// RunScheduler starts due scheduled broadcasts on a fixed tick until ctx is
// canceled.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("Broadcast scheduler running")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := e.broadcasts.DueScheduled(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("Failed to query due broadcasts")
				continue
			}
			for _, id := range due {
				if err := e.StartBroadcast(ctx, id); err != nil {
					log.Error().Err(err).Uint("broadcastID", id).Msg("Failed to start scheduled broadcast")
				}
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, task Task) {
	recipient, err := e.broadcasts.Recipient(ctx, task.RecipientID)
	if err != nil {
		log.Error().Err(err).Uint("recipientID", task.RecipientID).Msg("Dropping task for unloadable recipient")
		return
	}
	if recipient.Status != models.StatusPending {
		// Already settled, likely a redelivered task.
		return
	}

	broadcast, err := e.broadcasts.Get(ctx, task.BroadcastID)
	if err != nil {
		log.Error().Err(err).Uint("broadcastID", task.BroadcastID).Msg("Dropping task for unloadable broadcast")
		return
	}

	attempt, err := e.broadcasts.IncrementAttempt(ctx, recipient.ID)
	if err != nil {
		log.Error().Err(err).Uint("recipientID", recipient.ID).Msg("Failed to record delivery attempt")
		return
	}

	sendErr := e.send(ctx, broadcast, recipient)
	if sendErr == nil {
		if err := e.broadcasts.MarkRecipientSent(ctx, recipient.ID); err != nil {
			log.Error().Err(err).Uint("recipientID", recipient.ID).Msg("Failed to mark recipient sent")
		}
		log.Debug().
			Uint("broadcastID", broadcast.ID).
			Uint("recipientID", recipient.ID).
			Int("attempt", attempt).
			Msg("Broadcast message delivered")
		return
	}

	var validationErr *gateway.ValidationError
	permanent := errors.As(sendErr, &validationErr)
	if permanent || attempt >= e.config.MaxAttempts {
		if err := e.broadcasts.MarkRecipientFailed(ctx, recipient.ID, sendErr.Error()); err != nil {
			log.Error().Err(err).Uint("recipientID", recipient.ID).Msg("Failed to mark recipient failed")
		}
		log.Warn().
			Err(sendErr).
			Uint("broadcastID", broadcast.ID).
			Uint("recipientID", recipient.ID).
			Int("attempt", attempt).
			Bool("permanent", permanent).
			Msg("Broadcast delivery failed")
		return
	}

	e.scheduleRetry(Task{BroadcastID: task.BroadcastID, RecipientID: task.RecipientID, Attempt: attempt}, sendErr)
}

func (e *Engine) send(ctx context.Context, broadcast *models.Broadcast, recipient *models.BroadcastRecipient) error {
	instance, err := e.instances.Get(ctx, broadcast.InstanceID)
	if err != nil {
		return err
	}
	if !instance.IsConnected() {
		return gateway.ErrNotConnected
	}

	contact, err := e.identity.Contact(ctx, recipient.ContactID)
	if err != nil {
		return err
	}

	// Shutdown stops new units from starting; a send already in flight is
	// allowed to finish.
	callCtx := context.WithoutCancel(ctx)
	return e.withGate(ctx, instance.ID, func() error {
		if broadcast.HasMedia() {
			mediaType := models.TypeImage
			if broadcast.MediaType != nil && *broadcast.MediaType != "" {
				mediaType = *broadcast.MediaType
			}
			_, err := e.gateway.SendMedia(callCtx, instance.InstanceName, contact.PhoneNumber, *broadcast.MediaURL, mediaType, broadcast.Message)
			return err
		}
		_, err := e.gateway.SendText(callCtx, instance.InstanceName, contact.PhoneNumber, broadcast.Message)
		return err
	})
}

// withGate holds the instance's gate for the whole send and enforces the
// minimum spacing since the previous send on that instance.
func (e *Engine) withGate(ctx context.Context, instanceID uint, fn func() error) error {
	gate := e.gate(instanceID)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	if wait := e.config.SendDelay - time.Since(gate.lastSend); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := fn()
	gate.lastSend = time.Now()
	return err
}

func (e *Engine) gate(instanceID uint) *sendGate {
	e.gatesMu.Lock()
	defer e.gatesMu.Unlock()
	gate, ok := e.gates[instanceID]
	if !ok {
		gate = &sendGate{}
		e.gates[instanceID] = gate
	}
	return gate
}

func (e *Engine) scheduleRetry(task Task, cause error) {
	backoff := e.config.Backoff
	delay := backoff[len(backoff)-1]
	if task.Attempt-1 < len(backoff) {
		delay = backoff[task.Attempt-1]
	}

	log.Info().
		Err(cause).
		Uint("recipientID", task.RecipientID).
		Int("attempt", task.Attempt).
		Dur("retryIn", delay).
		Msg("Broadcast delivery will be retried")

	e.retries.Add(1)
	time.AfterFunc(delay, func() {
		defer e.retries.Done()
		if err := e.queue.Enqueue(context.Background(), task); err != nil {
			log.Error().Err(err).Uint("recipientID", task.RecipientID).Msg("Failed to re-enqueue retry task")
		}
	})
}
