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

// IdentityService maps provider routing addresses to local contacts and
// (contact, instance) pairs to conversations, with get-or-create semantics
// that stay correct under concurrent calls: uniqueness rests on composite
// unique indexes plus insert-or-ignore, never on application-level locking.
type IdentityService struct {
	db *gorm.DB
}

// NewIdentityService creates an IdentityService.
func NewIdentityService(db *gorm.DB) (*IdentityService, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for identity service")
	}
	return &IdentityService{db: db}, nil
}

// ResolveContact finds or creates the contact for a raw routing address.
// When the provider supplies a non-empty push name that differs from the
// stored one, the stored name is updated (provider is the source of truth).
func (s *IdentityService) ResolveContact(ctx context.Context, organizationID uint, rawAddress, pushName string) (*models.Contact, error) {
	phone := gateway.ExtractPhoneNumber(rawAddress)
	if phone == "" {
		return nil, &gateway.ValidationError{Field: "routing_address", Reason: "no phone identifier"}
	}

	contact := models.Contact{
		OrganizationID: organizationID,
		PhoneNumber:    phone,
	}
	if pushName != "" {
		contact.Name = &pushName
	}

	// Insert-or-ignore: a concurrent creator winning the race leaves the
	// unique index intact and RowsAffected at zero; either way the row
	// exists afterwards.
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "phone_number"}},
			DoNothing: true,
		}).
		Create(&contact).Error; err != nil {
		return nil, fmt.Errorf("failed to upsert contact %s: %w", phone, err)
	}

	var existing models.Contact
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND phone_number = ?", organizationID, phone).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load contact %s after upsert: %w", phone, err)
	}

	if pushName != "" && (existing.Name == nil || *existing.Name != pushName) {
		if err := s.db.WithContext(ctx).Model(&existing).Update("name", pushName).Error; err != nil {
			return nil, fmt.Errorf("failed to update contact name: %w", err)
		}
		existing.Name = &pushName
		log.Debug().Uint("contactID", existing.ID).Str("name", pushName).Msg("Contact name updated from push name")
	}

	return &existing, nil
}

// ResolveConversation finds or creates the conversation for a (contact,
// instance) pair. Newly created conversations take the given initial status
// and unread count; existing ones are returned untouched.
func (s *IdentityService) ResolveConversation(ctx context.Context, contactID, instanceID uint, initialStatus string, initialUnread int) (*models.Conversation, error) {
	if initialStatus == "" {
		initialStatus = models.ConversationOpen
	}

	conversation := models.Conversation{
		ContactID:   contactID,
		InstanceID:  instanceID,
		Status:      initialStatus,
		UnreadCount: initialUnread,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contact_id"}, {Name: "instance_id"}},
			DoNothing: true,
		}).
		Create(&conversation).Error; err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var existing models.Conversation
	if err := s.db.WithContext(ctx).
		Where("contact_id = ? AND instance_id = ?", contactID, instanceID).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to load conversation after upsert: %w", err)
	}

	return &existing, nil
}

// Contact loads a contact by id.
func (s *IdentityService) Contact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, fmt.Errorf("failed to load contact %d: %w", id, err)
	}
	return &contact, nil
}

// TouchContact stamps the contact's last interaction time.
func (s *IdentityService) TouchContact(ctx context.Context, contactID uint, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.Contact{}).
		Where("id = ?", contactID).
		Update("last_interaction_at", at).Error
}
