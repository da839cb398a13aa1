package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapdesk/pkg/httputil"
)

// Client talks to the external WhatsApp gateway's REST API. All calls carry
// the client's bounded timeout; no retry logic lives here.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a gateway client against the given base URL.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}

	client := httputil.NewClient(timeout).
		SetBaseURL(strings.TrimRight(baseURL, "/"))
	if apiKey != "" {
		client.SetHeader("apikey", apiKey)
	}

	log.Info().Str("baseURL", baseURL).Msg("Gateway client configured")
	return &Client{httpClient: client, baseURL: baseURL}, nil
}

// NormalizePhoneNumber strips non-numeric characters and rejects numbers
// shorter than 10 digits.
func NormalizePhoneNumber(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) < 10 {
		return "", &ValidationError{Field: "phone_number", Reason: "fewer than 10 digits"}
	}
	return cleaned, nil
}

// ExtractPhoneNumber strips the routing suffix (everything from '@' on) from
// a provider routing address. Returns "" when nothing usable remains.
func ExtractPhoneNumber(jid string) string {
	phone := jid
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		phone = jid[:i]
	}
	return phone
}

// IsGroupAddress reports whether the routing address belongs to a group chat.
func IsGroupAddress(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, instanceName, phoneNumber, text string) (string, error) {
	number, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return "", err
	}

	var result SendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(sendTextRequest{Number: number, Text: text}).
		SetResult(&result).
		Post("/message/sendText/" + instanceName)
	if err != nil {
		return "", &GatewayError{Op: "sendText", Err: err}
	}
	if resp.IsError() {
		return "", &GatewayError{Op: "sendText", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	log.Debug().
		Str("instance", instanceName).
		Str("providerMessageID", result.Key.ID).
		Msg("Text message sent via gateway")
	return result.Key.ID, nil
}

// SendMedia sends a media message by URL and returns the provider message id.
// Audio uses the provider's dedicated voice endpoint.
func (c *Client) SendMedia(ctx context.Context, instanceName, phoneNumber, mediaURL, mediaType, caption string) (string, error) {
	number, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return "", err
	}
	if mediaURL == "" {
		return "", &ValidationError{Field: "media_url", Reason: "empty"}
	}

	endpoint := "/message/sendMedia/" + instanceName
	if mediaType == "audio" {
		endpoint = "/message/sendWhatsAppAudio/" + instanceName
	}

	var result SendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(sendMediaRequest{Number: number, MediaType: mediaType, Media: mediaURL, Caption: caption}).
		SetResult(&result).
		Post(endpoint)
	if err != nil {
		return "", &GatewayError{Op: "sendMedia", Err: err}
	}
	if resp.IsError() {
		return "", &GatewayError{Op: "sendMedia", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	log.Debug().
		Str("instance", instanceName).
		Str("mediaType", mediaType).
		Str("providerMessageID", result.Key.ID).
		Msg("Media message sent via gateway")
	return result.Key.ID, nil
}

// FetchContacts returns the provider's full contact list for an instance.
func (c *Client) FetchContacts(ctx context.Context, instanceName string) ([]RawContact, error) {
	var contacts []RawContact
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&contacts).
		Get("/chat/findContacts/" + instanceName)
	if err != nil {
		return nil, &GatewayError{Op: "fetchContacts", Err: err}
	}
	if resp.IsError() {
		return nil, &GatewayError{Op: "fetchContacts", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return contacts, nil
}

// FetchChats returns the provider's full chat list for an instance.
func (c *Client) FetchChats(ctx context.Context, instanceName string) ([]RawChat, error) {
	var chats []RawChat
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{}).
		SetResult(&chats).
		Post("/chat/findChats/" + instanceName)
	if err != nil {
		return nil, &GatewayError{Op: "fetchChats", Err: err}
	}
	if resp.IsError() {
		return nil, &GatewayError{Op: "fetchChats", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return chats, nil
}

// FetchMessages returns one bounded page of historical messages for a chat.
func (c *Client) FetchMessages(ctx context.Context, instanceName, remoteJID string, page, limit int) ([]MessageEventData, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	body := findMessagesRequest{Page: page, Limit: limit}
	body.Where.Key.RemoteJID = remoteJID

	var messages []MessageEventData
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&messages).
		Post("/chat/findMessages/" + instanceName)
	if err != nil {
		return nil, &GatewayError{Op: "fetchMessages", Err: err}
	}
	if resp.IsError() {
		return nil, &GatewayError{Op: "fetchMessages", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return messages, nil
}

// SetWebhook registers the webhook URL and event list for an instance.
func (c *Client) SetWebhook(ctx context.Context, instanceName, webhookURL string, events []string) error {
	if len(events) == 0 {
		events = DefaultWebhookEvents
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(setWebhookRequest{URL: webhookURL, Events: events}).
		Post("/webhook/set/" + instanceName)
	if err != nil {
		return &GatewayError{Op: "setWebhook", Err: err}
	}
	if resp.IsError() {
		return &GatewayError{Op: "setWebhook", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	log.Info().Str("instance", instanceName).Str("url", webhookURL).Msg("Webhook registered with gateway")
	return nil
}

// InstanceStatus returns the instance's connection state, mapped to the
// local status vocabulary.
func (c *Client) InstanceStatus(ctx context.Context, instanceName string) (string, error) {
	var result connectionStateResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/instance/connectionState/" + instanceName)
	if err != nil {
		return "", &GatewayError{Op: "instanceStatus", Err: err}
	}
	if resp.IsError() {
		return "", &GatewayError{Op: "instanceStatus", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	state := result.Instance.State
	if state == "" {
		state = result.State
	}
	switch state {
	case "open":
		return "connected", nil
	case "connecting":
		return "connecting", nil
	case "close":
		return "disconnected", nil
	default:
		return "failed", nil
	}
}
