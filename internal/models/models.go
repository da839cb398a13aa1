package models

import (
	"time"
)

// Conversation status values.
const (
	ConversationOpen    = "open"
	ConversationPending = "pending"
	ConversationClosed  = "closed"
)

// Message direction values.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Canonical message types.
const (
	TypeText        = "text"
	TypeImage       = "image"
	TypeVideo       = "video"
	TypeAudio       = "audio"
	TypeDocument    = "document"
	TypeSticker     = "sticker"
	TypeLocation    = "location"
	TypeContactCard = "contact_card"
)

// Message delivery status values.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Broadcast status values.
const (
	BroadcastDraft      = "draft"
	BroadcastScheduled  = "scheduled"
	BroadcastProcessing = "processing"
	BroadcastCompleted  = "completed"
	BroadcastFailed     = "failed"
)

// Instance connection states.
const (
	InstanceConnected    = "connected"
	InstanceConnecting   = "connecting"
	InstanceDisconnected = "disconnected"
	InstanceFailed       = "failed"
)

// Organization is the tenant boundary; contacts, instances and broadcasts
// all hang off it.
type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Slug      string    `gorm:"uniqueIndex" json:"slug"`
	Settings  string    `gorm:"type:text" json:"settings,omitempty"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Instance is one connected gateway session through which an organization
// sends and receives messages.
type Instance struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	OrganizationID  uint       `gorm:"index" json:"organization_id"`
	InstanceName    string     `gorm:"uniqueIndex" json:"instance_name"`
	APIKey          string     `json:"-"`
	PhoneNumber     string     `json:"phone_number,omitempty"`
	Status          string     `gorm:"default:disconnected;index" json:"status"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsConnected reports whether the instance can currently send messages.
func (i *Instance) IsConnected() bool {
	return i.Status == InstanceConnected
}

// Contact is unique per (organization, normalized phone number).
type Contact struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	OrganizationID    uint       `gorm:"uniqueIndex:idx_contacts_org_phone" json:"organization_id"`
	PhoneNumber       string     `gorm:"uniqueIndex:idx_contacts_org_phone;index" json:"phone_number"`
	Name              *string    `json:"name,omitempty"`
	AvatarURL         *string    `json:"avatar_url,omitempty"`
	CustomFields      string     `gorm:"type:text" json:"custom_fields,omitempty"`
	LastInteractionAt *time.Time `gorm:"index" json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DisplayName falls back to the phone number when the provider never
// supplied a push name.
func (c *Contact) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	return c.PhoneNumber
}

// Conversation is the thread between one contact and one instance.
// At most one row exists per (contact, instance) pair.
type Conversation struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ContactID     uint       `gorm:"uniqueIndex:idx_conversations_contact_instance" json:"contact_id"`
	InstanceID    uint       `gorm:"uniqueIndex:idx_conversations_contact_instance" json:"instance_id"`
	Status        string     `gorm:"default:open;index" json:"status"`
	UnreadCount   int        `gorm:"default:0" json:"unread_count"`
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Contact *Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

// Message is append-only once persisted; only Status and IsRead transition.
// ProviderMessageID is the global dedup key and is unique whenever present.
type Message struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ConversationID    uint      `gorm:"index:idx_messages_conversation_created" json:"conversation_id"`
	ProviderMessageID *string   `gorm:"uniqueIndex" json:"provider_message_id,omitempty"`
	Direction         string    `json:"direction"`
	Content           *string   `gorm:"type:text" json:"content,omitempty"`
	MessageType       string    `gorm:"default:text" json:"message_type"`
	Metadata          string    `gorm:"type:text" json:"metadata,omitempty"`
	IsRead            bool      `gorm:"default:false;index" json:"is_read"`
	Status            string    `gorm:"default:pending" json:"status"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index:idx_messages_conversation_created" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Media []Media `gorm:"foreignKey:MessageID" json:"media,omitempty"`
}

// HasMediaType reports whether the canonical type carries a downloadable
// payload.
func (m *Message) HasMediaType() bool {
	switch m.MessageType {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// Media is owned by exactly one message.
type Media struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	MessageID     uint      `gorm:"index" json:"message_id"`
	FileName      string    `json:"file_name"`
	MimeType      string    `json:"mime_type"`
	StoragePath   string    `json:"storage_path"`
	StorageDisk   string    `gorm:"default:local" json:"storage_disk"`
	FileSize      int64     `json:"file_size"`
	ThumbnailPath *string   `json:"thumbnail_path,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Broadcast is a one-to-many campaign. Counters are only ever incremented;
// status moves monotonically draft→scheduled→processing→{completed,failed}.
type Broadcast struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	OrganizationID  uint       `gorm:"index:idx_broadcasts_org_status" json:"organization_id"`
	InstanceID      uint       `json:"instance_id"`
	Name            string     `json:"name"`
	Message         string     `gorm:"type:text" json:"message"`
	MediaURL        *string    `json:"media_url,omitempty"`
	MediaType       *string    `json:"media_type,omitempty"`
	Status          string     `gorm:"default:draft;index:idx_broadcasts_org_status" json:"status"`
	TotalRecipients int        `gorm:"default:0" json:"total_recipients"`
	SentCount       int        `gorm:"default:0" json:"sent_count"`
	FailedCount     int        `gorm:"default:0" json:"failed_count"`
	ScheduledAt     *time.Time `gorm:"index" json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasMedia reports whether sends should take the media path.
func (b *Broadcast) HasMedia() bool {
	return b.MediaURL != nil && *b.MediaURL != ""
}

// BroadcastRecipient is the per-recipient fan-out record; exactly one row
// per (broadcast, contact), terminal status set exactly once.
type BroadcastRecipient struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	BroadcastID  uint       `gorm:"uniqueIndex:idx_recipients_broadcast_contact;index:idx_recipients_broadcast_status" json:"broadcast_id"`
	ContactID    uint       `gorm:"uniqueIndex:idx_recipients_broadcast_contact" json:"contact_id"`
	Status       string     `gorm:"default:pending;index:idx_recipients_broadcast_status" json:"status"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// All returns every model migrated at startup.
func All() []interface{} {
	return []interface{}{
		&Organization{},
		&Instance{},
		&Contact{},
		&Conversation{},
		&Message{},
		&Media{},
		&Broadcast{},
		&BroadcastRecipient{},
	}
}
