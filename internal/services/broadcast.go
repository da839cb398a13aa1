package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

// BroadcastService owns broadcast campaigns and their per-recipient fan-out
// records. All counter updates are single atomic UPDATEs relative to the
// stored value, and terminal recipient transitions are guarded so a recipient
// is counted exactly once no matter how often workers race.
type BroadcastService struct {
	db *gorm.DB
}

// CreateBroadcastRequest describes a new campaign.
type CreateBroadcastRequest struct {
	OrganizationID uint
	InstanceID     uint
	Name           string
	Message        string
	MediaURL       *string
	MediaType      *string
	ContactIDs     []uint
	ScheduledAt    *time.Time
}

// NewBroadcastService creates a BroadcastService.
func NewBroadcastService(db *gorm.DB) (*BroadcastService, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for broadcast service")
	}
	return &BroadcastService{db: db}, nil
}

// Create persists a broadcast and its recipient rows. Duplicate contact ids
// collapse to one recipient; total_recipients reflects the rows actually
// created.
func (s *BroadcastService) Create(ctx context.Context, req CreateBroadcastRequest) (*models.Broadcast, error) {
	if req.Message == "" && (req.MediaURL == nil || *req.MediaURL == "") {
		return nil, &gateway.ValidationError{Field: "message", Reason: "broadcast needs a message or media"}
	}
	if len(req.ContactIDs) == 0 {
		return nil, &gateway.ValidationError{Field: "contact_ids", Reason: "broadcast needs at least one recipient"}
	}

	status := models.BroadcastDraft
	if req.ScheduledAt != nil {
		status = models.BroadcastScheduled
	}

	broadcast := models.Broadcast{
		OrganizationID: req.OrganizationID,
		InstanceID:     req.InstanceID,
		Name:           req.Name,
		Message:        req.Message,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
		Status:         status,
		ScheduledAt:    req.ScheduledAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&broadcast).Error; err != nil {
			return fmt.Errorf("failed to create broadcast: %w", err)
		}

		recipients := make([]models.BroadcastRecipient, 0, len(req.ContactIDs))
		for _, contactID := range req.ContactIDs {
			recipients = append(recipients, models.BroadcastRecipient{
				BroadcastID: broadcast.ID,
				ContactID:   contactID,
				Status:      models.StatusPending,
			})
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "broadcast_id"}, {Name: "contact_id"}},
			DoNothing: true,
		}).Create(&recipients).Error; err != nil {
			return fmt.Errorf("failed to create broadcast recipients: %w", err)
		}

		var total int64
		if err := tx.Model(&models.BroadcastRecipient{}).
			Where("broadcast_id = ?", broadcast.ID).
			Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count broadcast recipients: %w", err)
		}
		broadcast.TotalRecipients = int(total)
		return tx.Model(&broadcast).Update("total_recipients", total).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Uint("broadcastID", broadcast.ID).
		Int("recipients", broadcast.TotalRecipients).
		Str("status", broadcast.Status).
		Msg("Broadcast created")
	return &broadcast, nil
}

// Get loads a broadcast.
func (s *BroadcastService) Get(ctx context.Context, id uint) (*models.Broadcast, error) {
	var broadcast models.Broadcast
	if err := s.db.WithContext(ctx).First(&broadcast, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load broadcast %d: %w", id, err)
	}
	return &broadcast, nil
}

// Recipient loads one fan-out row.
func (s *BroadcastService) Recipient(ctx context.Context, id uint) (*models.BroadcastRecipient, error) {
	var recipient models.BroadcastRecipient
	if err := s.db.WithContext(ctx).First(&recipient, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load recipient %d: %w", id, err)
	}
	return &recipient, nil
}

// Recipients loads the fan-out rows for a broadcast.
func (s *BroadcastService) Recipients(ctx context.Context, broadcastID uint) ([]models.BroadcastRecipient, error) {
	var recipients []models.BroadcastRecipient
	if err := s.db.WithContext(ctx).
		Where("broadcast_id = ?", broadcastID).
		Order("id").
		Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("failed to load broadcast recipients: %w", err)
	}
	return recipients, nil
}

// BeginProcessing transitions a draft or scheduled broadcast to processing
// and returns its pending recipients. The transition is a conditional UPDATE,
// so only one caller ever wins; everyone else gets an error.
func (s *BroadcastService) BeginProcessing(ctx context.Context, broadcastID uint) (*models.Broadcast, []models.BroadcastRecipient, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Broadcast{}).
		Where("id = ? AND status IN ?", broadcastID, []string{models.BroadcastDraft, models.BroadcastScheduled}).
		Updates(map[string]interface{}{
			"status":     models.BroadcastProcessing,
			"started_at": time.Now(),
		})
	if res.Error != nil {
		return nil, nil, fmt.Errorf("failed to start broadcast %d: %w", broadcastID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, fmt.Errorf("broadcast %d is not in a startable state", broadcastID)
	}

	broadcast, err := s.Get(ctx, broadcastID)
	if err != nil {
		return nil, nil, err
	}

	pending, err := s.PendingRecipients(ctx, broadcastID)
	if err != nil {
		return nil, nil, err
	}

	log.Info().Uint("broadcastID", broadcastID).Int("pending", len(pending)).Msg("Broadcast processing started")
	return broadcast, pending, nil
}

// PendingRecipients loads the recipients of a broadcast still awaiting a
// delivery attempt.
func (s *BroadcastService) PendingRecipients(ctx context.Context, broadcastID uint) ([]models.BroadcastRecipient, error) {
	var pending []models.BroadcastRecipient
	if err := s.db.WithContext(ctx).
		Where("broadcast_id = ? AND status = ?", broadcastID, models.StatusPending).
		Order("id").
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to load pending recipients: %w", err)
	}
	return pending, nil
}

// ProcessingBroadcasts returns the ids of broadcasts currently in processing.
// After a restart these are the campaigns a previous process left unfinished.
func (s *BroadcastService) ProcessingBroadcasts(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.Broadcast{}).
		Where("status = ?", models.BroadcastProcessing).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to query processing broadcasts: %w", err)
	}
	return ids, nil
}

// Settle finishes a processing broadcast whose fan-out is already done. It is
// a no-op while pending recipients remain.
func (s *BroadcastService) Settle(ctx context.Context, broadcastID uint) error {
	return s.maybeComplete(ctx, broadcastID)
}

// DueScheduled returns the ids of scheduled broadcasts whose time has come.
func (s *BroadcastService) DueScheduled(ctx context.Context, now time.Time) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&models.Broadcast{}).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", models.BroadcastScheduled, now).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to query scheduled broadcasts: %w", err)
	}
	return ids, nil
}

// IncrementAttempt bumps a recipient's attempt counter and returns the new
// count.
func (s *BroadcastService) IncrementAttempt(ctx context.Context, recipientID uint) (int, error) {
	if err := s.db.WithContext(ctx).
		Model(&models.BroadcastRecipient{}).
		Where("id = ?", recipientID).
		Update("attempt_count", gorm.Expr("attempt_count + 1")).Error; err != nil {
		return 0, fmt.Errorf("failed to increment attempt count: %w", err)
	}
	var recipient models.BroadcastRecipient
	if err := s.db.WithContext(ctx).First(&recipient, recipientID).Error; err != nil {
		return 0, fmt.Errorf("failed to reload recipient %d: %w", recipientID, err)
	}
	return recipient.AttemptCount, nil
}

// MarkRecipientSent moves a recipient to sent. The guard on the current
// status makes the transition fire at most once; only the winning transition
// touches the broadcast counters.
func (s *BroadcastService) MarkRecipientSent(ctx context.Context, recipientID uint) error {
	return s.finishRecipient(ctx, recipientID, models.StatusSent, nil)
}

// MarkRecipientFailed moves a recipient to failed with the error recorded.
func (s *BroadcastService) MarkRecipientFailed(ctx context.Context, recipientID uint, cause string) error {
	return s.finishRecipient(ctx, recipientID, models.StatusFailed, &cause)
}

func (s *BroadcastService) finishRecipient(ctx context.Context, recipientID uint, status string, cause *string) error {
	updates := map[string]interface{}{"status": status}
	if status == models.StatusSent {
		updates["sent_at"] = time.Now()
	}
	if cause != nil {
		updates["error_message"] = *cause
	}

	res := s.db.WithContext(ctx).
		Model(&models.BroadcastRecipient{}).
		Where("id = ? AND status = ?", recipientID, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to finish recipient %d: %w", recipientID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Already terminal; the counters were settled by the winner.
		log.Debug().Uint("recipientID", recipientID).Str("status", status).Msg("Recipient already finished")
		return nil
	}

	var recipient models.BroadcastRecipient
	if err := s.db.WithContext(ctx).First(&recipient, recipientID).Error; err != nil {
		return fmt.Errorf("failed to reload recipient %d: %w", recipientID, err)
	}

	counter := "sent_count"
	if status == models.StatusFailed {
		counter = "failed_count"
	}
	if err := s.db.WithContext(ctx).
		Model(&models.Broadcast{}).
		Where("id = ?", recipient.BroadcastID).
		Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
		return fmt.Errorf("failed to increment broadcast %s: %w", counter, err)
	}

	return s.maybeComplete(ctx, recipient.BroadcastID)
}

// maybeComplete finishes the broadcast once no pending recipients remain:
// completed when at least one send succeeded, failed otherwise. The outcome
// is computed inside the UPDATE from the recipient rows themselves, because
// the sent_count read back by a racing worker can lag the rows already
// committed by another. The status guard keeps the transition single-shot.
func (s *BroadcastService) maybeComplete(ctx context.Context, broadcastID uint) error {
	var pending int64
	if err := s.db.WithContext(ctx).
		Model(&models.BroadcastRecipient{}).
		Where("broadcast_id = ? AND status = ?", broadcastID, models.StatusPending).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("failed to count pending recipients: %w", err)
	}
	if pending > 0 {
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.Broadcast{}).
		Where("id = ? AND status = ?", broadcastID, models.BroadcastProcessing).
		Updates(map[string]interface{}{
			"status": gorm.Expr(
				"CASE WHEN EXISTS (SELECT 1 FROM broadcast_recipients WHERE broadcast_id = ? AND status = ?) THEN ? ELSE ? END",
				broadcastID, models.StatusSent, models.BroadcastCompleted, models.BroadcastFailed,
			),
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete broadcast %d: %w", broadcastID, res.Error)
	}
	if res.RowsAffected > 0 {
		broadcast, err := s.Get(ctx, broadcastID)
		if err != nil {
			return err
		}
		log.Info().
			Uint("broadcastID", broadcastID).
			Str("status", broadcast.Status).
			Int("sent", broadcast.SentCount).
			Int("failed", broadcast.FailedCount).
			Msg("Broadcast finished")
	}
	return nil
}
