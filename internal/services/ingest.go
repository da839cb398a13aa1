package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"zapdesk/internal/events"
	"zapdesk/internal/gateway"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
	"zapdesk/internal/normalizer"
)

const mediaDownloadTimeout = 2 * time.Minute

// IngestService runs the inbound pipeline: validate, dedup, resolve identity,
// normalize, persist, then update conversation aggregates and emit events.
// Every step is idempotent, so replayed webhooks are safe.
type IngestService struct {
	db        *gorm.DB
	identity  *IdentityService
	media     *media.Service
	publisher events.Publisher
}

// NewIngestService creates an IngestService. The media service is optional;
// without it media messages persist without stored attachments.
func NewIngestService(db *gorm.DB, identity *IdentityService, mediaService *media.Service, publisher events.Publisher) (*IngestService, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for ingest service")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity service cannot be nil for ingest service")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &IngestService{
		db:        db,
		identity:  identity,
		media:     mediaService,
		publisher: publisher,
	}, nil
}

// Ingest processes one live message event. Returns the persisted message, or
// the previously persisted one when the provider message id was seen before.
func (s *IngestService) Ingest(ctx context.Context, instance *models.Instance, data *gateway.MessageEventData) (*models.Message, error) {
	return s.ingest(ctx, instance, data, false)
}

// IngestHistorical processes one backfilled message: unread counts are left
// alone and no real-time events are emitted.
func (s *IngestService) IngestHistorical(ctx context.Context, instance *models.Instance, data *gateway.MessageEventData) (*models.Message, error) {
	return s.ingest(ctx, instance, data, true)
}

func (s *IngestService) ingest(ctx context.Context, instance *models.Instance, data *gateway.MessageEventData, backfill bool) (*models.Message, error) {
	if data == nil || data.Key.ID == "" {
		return nil, &gateway.ValidationError{Field: "key.id", Reason: "missing provider message id"}
	}
	if data.Key.RemoteJID == "" {
		return nil, &gateway.ValidationError{Field: "key.remoteJid", Reason: "missing routing address"}
	}
	if gateway.IsGroupAddress(data.Key.RemoteJID) {
		return nil, &gateway.ValidationError{Field: "key.remoteJid", Reason: "group chats are not ingested"}
	}

	// Cheap dedup before any identity writes. The unique index on
	// provider_message_id below is the authoritative guard.
	var existing models.Message
	err := s.db.WithContext(ctx).Where("provider_message_id = ?", data.Key.ID).First(&existing).Error
	if err == nil {
		log.Debug().Str("providerMessageID", data.Key.ID).Msg("Duplicate message event ignored")
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate message: %w", err)
	}

	pushName := data.PushName
	if data.Key.FromMe {
		// The push name on our own messages is ours, not the contact's.
		pushName = ""
	}
	contact, err := s.identity.ResolveContact(ctx, instance.OrganizationID, data.Key.RemoteJID, pushName)
	if err != nil {
		return nil, err
	}
	conversation, err := s.identity.ResolveConversation(ctx, contact.ID, instance.ID, models.ConversationOpen, 0)
	if err != nil {
		return nil, err
	}

	result := normalizer.Normalize(&data.Message)

	providerID := data.Key.ID
	message := models.Message{
		ConversationID:    conversation.ID,
		ProviderMessageID: &providerID,
		Content:           result.Content,
		MessageType:       result.Type,
	}
	if data.Key.FromMe {
		message.Direction = models.DirectionOutgoing
		message.Status = models.StatusSent
		message.IsRead = true
	} else {
		message.Direction = models.DirectionIncoming
		message.Status = models.StatusDelivered
		message.IsRead = false
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_message_id"}},
			DoNothing: true,
		}).
		Create(&message)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to persist message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent delivery of the same event.
		var winner models.Message
		if err := s.db.WithContext(ctx).Where("provider_message_id = ?", providerID).First(&winner).Error; err != nil {
			return nil, fmt.Errorf("failed to load message after dedup conflict: %w", err)
		}
		return &winner, nil
	}

	// Media is fetched after the message row exists so a slow or failing
	// download never blocks or aborts ingestion.
	if result.Media != nil && s.media != nil {
		go s.downloadMedia(instance.OrganizationID, message, result.Media)
	}

	occurredAt := time.Unix(data.MessageTimestamp, 0)
	if data.MessageTimestamp <= 0 {
		occurredAt = message.CreatedAt
	}
	if err := s.bumpConversation(ctx, conversation.ID, occurredAt, !data.Key.FromMe && !backfill); err != nil {
		return nil, err
	}
	if err := s.identity.TouchContact(ctx, contact.ID, occurredAt); err != nil {
		log.Warn().Err(err).Uint("contactID", contact.ID).Msg("Failed to stamp contact interaction time")
	}

	if !backfill {
		event := events.Event{
			Type:           events.MessageReceived,
			OrganizationID: instance.OrganizationID,
			ConversationID: conversation.ID,
			Payload:        message,
			OccurredAt:     time.Now(),
		}
		if data.Key.FromMe {
			event.Type = events.MessageSent
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			log.Error().Err(err).Str("eventType", event.Type).Msg("Failed to publish domain event")
		}
	}

	log.Info().
		Uint("messageID", message.ID).
		Uint("conversationID", conversation.ID).
		Str("type", message.MessageType).
		Str("direction", message.Direction).
		Bool("backfill", backfill).
		Msg("Message ingested")
	return &message, nil
}

// bumpConversation applies conversation aggregates as single atomic UPDATEs:
// unread_count increments relative to the stored value and last_message_at
// only ever moves forward, so out-of-order events cannot rewind it.
func (s *IngestService) bumpConversation(ctx context.Context, conversationID uint, messageAt time.Time, countUnread bool) error {
	if countUnread {
		if err := s.db.WithContext(ctx).
			Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("unread_count", gorm.Expr("unread_count + 1")).Error; err != nil {
			return fmt.Errorf("failed to increment unread count: %w", err)
		}
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", conversationID, messageAt).
		Update("last_message_at", messageAt).Error; err != nil {
		return fmt.Errorf("failed to update last message time: %w", err)
	}
	return nil
}

func (s *IngestService) downloadMedia(organizationID uint, message models.Message, descriptor *normalizer.MediaDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), mediaDownloadTimeout)
	defer cancel()
	if _, err := s.media.DownloadAndStore(ctx, &message, organizationID, descriptor.URL, descriptor.MimeType, descriptor.FileName); err != nil {
		log.Error().Err(err).Uint("messageID", message.ID).Msg("Media download failed; message kept without attachment")
	}
}

// providerStatusRank orders delivery statuses so updates only ever move a
// message forward. Unknown provider statuses rank below everything and are
// dropped.
var providerStatusRank = map[string]int{
	models.StatusPending:   1,
	models.StatusSent:      2,
	models.StatusDelivered: 3,
	models.StatusRead:      4,
}

// mapProviderStatus translates the provider's ack vocabulary to the local one.
func mapProviderStatus(status string) string {
	switch status {
	case "SERVER_ACK", "PENDING":
		return models.StatusSent
	case "DELIVERY_ACK":
		return models.StatusDelivered
	case "READ", "PLAYED":
		return models.StatusRead
	default:
		return ""
	}
}

// ApplyStatusUpdate handles a messages.update event. Updates for unknown
// message ids and regressions to an earlier status are ignored.
func (s *IngestService) ApplyStatusUpdate(ctx context.Context, data *gateway.MessageUpdateData) error {
	if data == nil || data.Key.ID == "" {
		return &gateway.ValidationError{Field: "key.id", Reason: "missing provider message id"}
	}
	status := mapProviderStatus(data.Status)
	if status == "" {
		log.Debug().Str("status", data.Status).Msg("Unknown provider status ignored")
		return nil
	}

	var message models.Message
	err := s.db.WithContext(ctx).Where("provider_message_id = ?", data.Key.ID).First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Debug().Str("providerMessageID", data.Key.ID).Msg("Status update for unknown message ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message for status update: %w", err)
	}

	if providerStatusRank[status] <= providerStatusRank[message.Status] {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&message).Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	log.Debug().
		Uint("messageID", message.ID).
		Str("from", message.Status).
		Str("to", status).
		Msg("Message status advanced")
	return nil
}
