package services

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

const (
	lastSyncTTL = 24 * time.Hour

	// historyPageLimit bounds the per-chat history fetch. Reconciliation
	// backfills recent gaps, it is not an archive import.
	historyPage  = 1
	historyLimit = 50
)

// SyncService reconciles local state against the gateway: contacts first,
// then chats, then a bounded page of recent messages per chat. Every step
// funnels through the same identity and ingestion paths as live webhooks, so
// running it twice changes nothing.
type SyncService struct {
	gateway   *gateway.Client
	identity  *IdentityService
	ingest    *IngestService
	instances *InstanceService
	cache     *cache.Cache
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	Instance      string    `json:"instance"`
	Contacts      int       `json:"contacts"`
	Conversations int       `json:"conversations"`
	Messages      int       `json:"messages"`
	SkippedGroups int       `json:"skipped_groups"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// NewSyncService creates a SyncService.
func NewSyncService(gatewayClient *gateway.Client, identity *IdentityService, ingest *IngestService, instances *InstanceService) (*SyncService, error) {
	if gatewayClient == nil {
		return nil, fmt.Errorf("gateway client cannot be nil for sync service")
	}
	if identity == nil || ingest == nil || instances == nil {
		return nil, fmt.Errorf("sync service dependencies cannot be nil")
	}
	return &SyncService{
		gateway:   gatewayClient,
		identity:  identity,
		ingest:    ingest,
		instances: instances,
		cache:     cache.New(lastSyncTTL, time.Hour),
	}, nil
}

// FullSync runs a complete reconciliation for one instance.
func (s *SyncService) FullSync(ctx context.Context, instanceName string) (*SyncResult, error) {
	instance, err := s.instances.GetByName(ctx, instanceName)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Instance: instanceName, StartedAt: time.Now()}
	log.Info().Str("instance", instanceName).Msg("Full sync started")

	if err := s.syncContacts(ctx, instance, result); err != nil {
		return nil, err
	}

	chats, err := s.syncChats(ctx, instance, result)
	if err != nil {
		return nil, err
	}

	for _, chat := range chats {
		if err := s.syncChatHistory(ctx, instance, chat.ID, result); err != nil {
			// One unreadable chat never aborts the run.
			log.Warn().Err(err).Str("chat", chat.ID).Msg("Chat history sync failed")
		}
	}

	result.FinishedAt = time.Now()
	s.cache.Set(lastSyncKey(instance.OrganizationID), *result, lastSyncTTL)

	log.Info().
		Str("instance", instanceName).
		Int("contacts", result.Contacts).
		Int("conversations", result.Conversations).
		Int("messages", result.Messages).
		Int("skippedGroups", result.SkippedGroups).
		Dur("took", result.FinishedAt.Sub(result.StartedAt)).
		Msg("Full sync finished")
	return result, nil
}

// LastSync returns the most recent sync result for an organization, if one
// happened within the last day.
func (s *SyncService) LastSync(organizationID uint) (*SyncResult, bool) {
	cached, found := s.cache.Get(lastSyncKey(organizationID))
	if !found {
		return nil, false
	}
	result := cached.(SyncResult)
	return &result, true
}

func lastSyncKey(organizationID uint) string {
	return fmt.Sprintf("last_sync_%d", organizationID)
}

func (s *SyncService) syncContacts(ctx context.Context, instance *models.Instance, result *SyncResult) error {
	contacts, err := s.gateway.FetchContacts(ctx, instance.InstanceName)
	if err != nil {
		return fmt.Errorf("contact sync failed: %w", err)
	}

	for _, raw := range contacts {
		if raw.ID == "" || gateway.IsGroupAddress(raw.ID) {
			continue
		}
		contact, err := s.identity.ResolveContact(ctx, instance.OrganizationID, raw.ID, raw.PushName)
		if err != nil {
			log.Warn().Err(err).Str("contact", raw.ID).Msg("Skipping unresolvable contact")
			continue
		}
		result.Contacts++

		if raw.ProfilePictureURL != "" && (contact.AvatarURL == nil || *contact.AvatarURL != raw.ProfilePictureURL) {
			if err := s.identity.db.WithContext(ctx).
				Model(contact).
				Update("avatar_url", raw.ProfilePictureURL).Error; err != nil {
				log.Warn().Err(err).Uint("contactID", contact.ID).Msg("Failed to update contact avatar")
			}
		}
	}
	return nil
}

func (s *SyncService) syncChats(ctx context.Context, instance *models.Instance, result *SyncResult) ([]gateway.RawChat, error) {
	chats, err := s.gateway.FetchChats(ctx, instance.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("chat sync failed: %w", err)
	}

	individual := make([]gateway.RawChat, 0, len(chats))
	for _, chat := range chats {
		if chat.ID == "" {
			continue
		}
		if gateway.IsGroupAddress(chat.ID) {
			result.SkippedGroups++
			continue
		}

		contact, err := s.identity.ResolveContact(ctx, instance.OrganizationID, chat.ID, chat.Name)
		if err != nil {
			log.Warn().Err(err).Str("chat", chat.ID).Msg("Skipping chat with unresolvable contact")
			continue
		}
		// The provider's unread count seeds brand-new conversations only;
		// existing counters belong to the live pipeline.
		if _, err := s.identity.ResolveConversation(ctx, contact.ID, instance.ID, models.ConversationOpen, chat.UnreadCount); err != nil {
			log.Warn().Err(err).Str("chat", chat.ID).Msg("Skipping unresolvable conversation")
			continue
		}
		result.Conversations++
		individual = append(individual, chat)
	}
	return individual, nil
}

func (s *SyncService) syncChatHistory(ctx context.Context, instance *models.Instance, remoteJID string, result *SyncResult) error {
	messages, err := s.gateway.FetchMessages(ctx, instance.InstanceName, remoteJID, historyPage, historyLimit)
	if err != nil {
		return err
	}
	for i := range messages {
		if _, err := s.ingest.IngestHistorical(ctx, instance, &messages[i]); err != nil {
			log.Debug().Err(err).Str("chat", remoteJID).Msg("Historical message skipped")
			continue
		}
		result.Messages++
	}
	return nil
}
