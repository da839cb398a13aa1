package gateway

import "encoding/json"

// Webhook event discriminators sent by the provider.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessagesUpdate   = "messages.update"
	EventMessagesDelete   = "messages.delete"
	EventSendMessage      = "send.message"
	EventConnectionUpdate = "connection.update"
)

// DefaultWebhookEvents is the event list registered when none is given.
var DefaultWebhookEvents = []string{
	EventMessagesUpsert,
	EventMessagesUpdate,
	EventMessagesDelete,
	EventSendMessage,
	EventConnectionUpdate,
}

// WebhookEnvelope is the outer shape of every provider webhook. The data
// object's shape depends on the event.
type WebhookEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// MessageKey identifies a message on the provider side. RemoteJID is the
// opaque routing address; ID is the provider message id used for dedup.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// MessageEventData is the data object of a messages.upsert event and the
// per-item shape of historical message fetches.
type MessageEventData struct {
	Key              MessageKey `json:"key"`
	PushName         string     `json:"pushName,omitempty"`
	Message          RawMessage `json:"message"`
	MessageTimestamp int64      `json:"messageTimestamp,omitempty"`
}

// MessageUpdateData is the data object of a messages.update event.
type MessageUpdateData struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status"`
}

// ConnectionUpdateData is the data object of a connection.update event.
type ConnectionUpdateData struct {
	State string `json:"state"`
}

// RawMessage is the provider's heterogeneous message payload. Exactly one
// of the containers is normally set; unknown shapes leave all of them nil.
type RawMessage struct {
	Conversation        *string        `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedText  `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaPayload  `json:"imageMessage,omitempty"`
	VideoMessage        *MediaPayload  `json:"videoMessage,omitempty"`
	AudioMessage        *MediaPayload  `json:"audioMessage,omitempty"`
	DocumentMessage     *MediaPayload  `json:"documentMessage,omitempty"`
	StickerMessage      *MediaPayload  `json:"stickerMessage,omitempty"`
	LocationMessage     *LocationData  `json:"locationMessage,omitempty"`
	ContactMessage      *ContactVCard  `json:"contactMessage,omitempty"`
}

// ExtendedText carries quoted or formatted text messages.
type ExtendedText struct {
	Text string `json:"text"`
}

// MediaPayload is shared by all per-media-type containers.
type MediaPayload struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// LocationData is a shared location pin.
type LocationData struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name,omitempty"`
}

// ContactVCard is a forwarded contact card.
type ContactVCard struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

// RawContact is one entry of the provider's full contact list.
type RawContact struct {
	ID                string `json:"id"`
	PushName          string `json:"pushName,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
}

// RawChat is one entry of the provider's full chat list.
type RawChat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	UnreadCount int    `json:"unreadCount,omitempty"`
}

// SendResponse is the provider's reply to a send call.
type SendResponse struct {
	Key MessageKey `json:"key"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type setWebhookRequest struct {
	URL             string   `json:"url"`
	WebhookByEvents bool     `json:"webhook_by_events"`
	WebhookBase64   bool     `json:"webhook_base64"`
	Events          []string `json:"events"`
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
	State string `json:"state,omitempty"`
}

type findMessagesRequest struct {
	Where findMessagesWhere `json:"where"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

type findMessagesWhere struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
	} `json:"key"`
}
