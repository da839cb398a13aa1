package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

const instanceCacheTTL = time.Minute

// InstanceService is the registry of gateway instances. Lookups by name are
// cached briefly because every webhook delivery performs one.
type InstanceService struct {
	db      *gorm.DB
	gateway *gateway.Client
	cache   *cache.Cache
}

// NewInstanceService creates an InstanceService.
func NewInstanceService(db *gorm.DB, gatewayClient *gateway.Client) (*InstanceService, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for instance service")
	}
	if gatewayClient == nil {
		return nil, fmt.Errorf("gateway client cannot be nil for instance service")
	}
	return &InstanceService{
		db:      db,
		gateway: gatewayClient,
		cache:   cache.New(instanceCacheTTL, 5*time.Minute),
	}, nil
}

// GetByName resolves an instance by its gateway name.
func (s *InstanceService) GetByName(ctx context.Context, name string) (*models.Instance, error) {
	if cached, found := s.cache.Get("instance_" + name); found {
		instance := cached.(models.Instance)
		return &instance, nil
	}

	var instance models.Instance
	if err := s.db.WithContext(ctx).Where("instance_name = ?", name).First(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("unknown instance %q", name)
		}
		return nil, fmt.Errorf("failed to load instance %q: %w", name, err)
	}

	s.cache.Set("instance_"+name, instance, cache.DefaultExpiration)
	return &instance, nil
}

// Get resolves an instance by id.
func (s *InstanceService) Get(ctx context.Context, id uint) (*models.Instance, error) {
	var instance models.Instance
	if err := s.db.WithContext(ctx).First(&instance, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load instance %d: %w", id, err)
	}
	return &instance, nil
}

// UpdateStatus records a connection state change reported by the gateway.
func (s *InstanceService) UpdateStatus(ctx context.Context, name, state string) error {
	var status string
	switch state {
	case "open":
		status = models.InstanceConnected
	case "connecting":
		status = models.InstanceConnecting
	case "close":
		status = models.InstanceDisconnected
	default:
		status = models.InstanceFailed
	}

	updates := map[string]interface{}{"status": status}
	if status == models.InstanceConnected {
		updates["last_connected_at"] = time.Now()
	}

	res := s.db.WithContext(ctx).
		Model(&models.Instance{}).
		Where("instance_name = ?", name).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update instance status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Warn().Str("instance", name).Str("state", state).Msg("Connection update for unknown instance")
		return nil
	}

	s.cache.Delete("instance_" + name)
	log.Info().Str("instance", name).Str("status", status).Msg("Instance connection status updated")
	return nil
}

// RefreshStatus queries the gateway for the instance's live connection state
// and stores it.
func (s *InstanceService) RefreshStatus(ctx context.Context, name string) (string, error) {
	status, err := s.gateway.InstanceStatus(ctx, name)
	if err != nil {
		return "", err
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Instance{}).
		Where("instance_name = ?", name).
		Update("status", status).Error; err != nil {
		return "", fmt.Errorf("failed to persist refreshed instance status: %w", err)
	}
	s.cache.Delete("instance_" + name)
	return status, nil
}

// RegisterWebhook points the gateway instance at this service's webhook
// endpoint for the default event set.
func (s *InstanceService) RegisterWebhook(ctx context.Context, name, publicURL string) error {
	if publicURL == "" {
		return fmt.Errorf("webhook public URL cannot be empty")
	}
	return s.gateway.SetWebhook(ctx, name, publicURL+"/webhook/"+name, nil)
}
