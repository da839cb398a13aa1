package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapdesk/internal/events"
	"zapdesk/internal/gateway"
	"zapdesk/internal/media"
	"zapdesk/internal/models"
)

// OutboundService sends single agent-initiated messages on a conversation.
// The message row is persisted as pending before the gateway call, so a crash
// mid-send leaves an auditable record instead of a silent loss.
type OutboundService struct {
	db        *gorm.DB
	gateway   *gateway.Client
	instances *InstanceService
	media     *media.Service
	publisher events.Publisher
}

// SendRequest describes one outbound message.
type SendRequest struct {
	ConversationID uint
	Content        string
	// MediaID references an already stored media object to attach.
	MediaID *uint
}

// NewOutboundService creates an OutboundService.
func NewOutboundService(db *gorm.DB, gatewayClient *gateway.Client, instances *InstanceService, mediaService *media.Service, publisher events.Publisher) (*OutboundService, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for outbound service")
	}
	if gatewayClient == nil {
		return nil, fmt.Errorf("gateway client cannot be nil for outbound service")
	}
	if instances == nil {
		return nil, fmt.Errorf("instance service cannot be nil for outbound service")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &OutboundService{
		db:        db,
		gateway:   gatewayClient,
		instances: instances,
		media:     mediaService,
		publisher: publisher,
	}, nil
}

// Send persists and dispatches one outbound message. The returned message
// carries the final status: sent with a provider id, or failed with the error
// recorded.
func (s *OutboundService) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.Content == "" && req.MediaID == nil {
		return nil, &gateway.ValidationError{Field: "content", Reason: "empty message"}
	}

	var conversation models.Conversation
	if err := s.db.WithContext(ctx).Preload("Contact").First(&conversation, req.ConversationID).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", req.ConversationID, err)
	}
	if conversation.Contact == nil {
		return nil, fmt.Errorf("conversation %d has no contact", req.ConversationID)
	}

	instance, err := s.instances.Get(ctx, conversation.InstanceID)
	if err != nil {
		return nil, err
	}
	if !instance.IsConnected() {
		return nil, gateway.ErrNotConnected
	}

	message := models.Message{
		ConversationID: conversation.ID,
		Direction:      models.DirectionOutgoing,
		MessageType:    models.TypeText,
		Status:         models.StatusPending,
		IsRead:         true,
	}
	if req.Content != "" {
		message.Content = &req.Content
	}

	var mediaRecord *models.Media
	if req.MediaID != nil {
		mediaRecord = &models.Media{}
		if err := s.db.WithContext(ctx).First(mediaRecord, *req.MediaID).Error; err != nil {
			return nil, fmt.Errorf("failed to load media %d: %w", *req.MediaID, err)
		}
		message.MessageType = mediaTypeFromMime(mediaRecord.MimeType)
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return nil, fmt.Errorf("failed to persist outbound message: %w", err)
	}

	providerID, sendErr := s.deliver(ctx, instance.InstanceName, conversation.Contact.PhoneNumber, req.Content, mediaRecord)
	if sendErr != nil {
		errText := sendErr.Error()
		if err := s.db.WithContext(ctx).Model(&message).
			Updates(map[string]interface{}{
				"status":        models.StatusFailed,
				"error_message": errText,
			}).Error; err != nil {
			log.Error().Err(err).Uint("messageID", message.ID).Msg("Failed to mark outbound message failed")
		}
		message.Status = models.StatusFailed
		message.ErrorMessage = &errText
		return &message, sendErr
	}

	updates := map[string]interface{}{"status": models.StatusSent}
	if providerID != "" {
		updates["provider_message_id"] = providerID
		message.ProviderMessageID = &providerID
	}
	if claimErr := s.db.WithContext(ctx).Model(&message).Updates(updates).Error; claimErr != nil {
		// The provider's own fromMe webhook can land before the send
		// response does. Ingestion then already owns a row under this
		// provider id, and the unique index rejects our claim. Fold the
		// pending row into the ingested one so a single logical message
		// keeps a single record.
		winner, adoptErr := s.adoptIngestedCopy(ctx, &message, providerID)
		if adoptErr != nil {
			return nil, fmt.Errorf("failed to mark outbound message sent: %w", claimErr)
		}
		log.Info().
			Uint("messageID", winner.ID).
			Str("providerMessageID", providerID).
			Msg("Outbound message adopted from webhook ingestion")
		return winner, nil
	}
	message.Status = models.StatusSent

	now := time.Now()
	if err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", conversation.ID, now).
		Update("last_message_at", now).Error; err != nil {
		log.Warn().Err(err).Uint("conversationID", conversation.ID).Msg("Failed to update last message time")
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:           events.MessageSent,
		OrganizationID: instance.OrganizationID,
		ConversationID: conversation.ID,
		Payload:        message,
		OccurredAt:     now,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to publish message sent event")
	}

	log.Info().
		Uint("messageID", message.ID).
		Uint("conversationID", conversation.ID).
		Str("providerMessageID", providerID).
		Msg("Outbound message sent")
	return &message, nil
}

// adoptIngestedCopy resolves a lost claim on a provider message id: the
// webhook pipeline persisted the delivered message first, so its row is the
// canonical one. The pending row is removed and the winner returned.
// Conversation aggregates and the sent event were already handled by
// ingestion for that row.
func (s *OutboundService) adoptIngestedCopy(ctx context.Context, pending *models.Message, providerID string) (*models.Message, error) {
	if providerID == "" {
		return nil, fmt.Errorf("no provider message id to adopt")
	}
	var winner models.Message
	if err := s.db.WithContext(ctx).Where("provider_message_id = ?", providerID).First(&winner).Error; err != nil {
		return nil, fmt.Errorf("no ingested copy found for provider id %s: %w", providerID, err)
	}
	if err := s.db.WithContext(ctx).Delete(&models.Message{}, pending.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to remove superseded pending message %d: %w", pending.ID, err)
	}
	return &winner, nil
}

func (s *OutboundService) deliver(ctx context.Context, instanceName, phoneNumber, content string, mediaRecord *models.Media) (string, error) {
	if mediaRecord == nil {
		return s.gateway.SendText(ctx, instanceName, phoneNumber, content)
	}
	if s.media == nil {
		return "", fmt.Errorf("media sending not configured")
	}
	url, err := s.media.PrepareForSending(ctx, mediaRecord)
	if err != nil {
		return "", err
	}
	return s.gateway.SendMedia(ctx, instanceName, phoneNumber, url, mediaTypeFromMime(mediaRecord.MimeType), content)
}

// MarkConversationRead zeroes the unread counter and flags the incoming
// messages read.
func (s *OutboundService) MarkConversationRead(ctx context.Context, conversationID uint) error {
	if err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Update("unread_count", 0).Error; err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND direction = ? AND is_read = ?", conversationID, models.DirectionIncoming, false).
		Update("is_read", true).Error; err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

func mediaTypeFromMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.TypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.TypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.TypeAudio
	default:
		return models.TypeDocument
	}
}
