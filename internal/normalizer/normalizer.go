// Package normalizer converts the provider's heterogeneous message payloads
// into one canonical message record.
package normalizer

import (
	"fmt"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

// MediaDescriptor points at provider-hosted media referenced by a message.
type MediaDescriptor struct {
	URL      string
	MimeType string
	FileName string
}

// Result is the canonical classification of one raw payload.
type Result struct {
	Type    string
	Content *string
	Media   *MediaDescriptor
}

// rule matches one known payload container. Rules are checked in order and
// the first match wins; new message kinds are new table entries.
type rule struct {
	messageType string
	extract     func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool)
}

var rules = []rule{
	{models.TypeText, func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool) {
		if raw.Conversation == nil {
			return nil, nil, false
		}
		return raw.Conversation, nil, true
	}},
	{models.TypeText, func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool) {
		if raw.ExtendedTextMessage == nil {
			return nil, nil, false
		}
		return strPtr(raw.ExtendedTextMessage.Text), nil, true
	}},
	{models.TypeImage, mediaRule(func(raw *gateway.RawMessage) *gateway.MediaPayload { return raw.ImageMessage })},
	{models.TypeVideo, mediaRule(func(raw *gateway.RawMessage) *gateway.MediaPayload { return raw.VideoMessage })},
	{models.TypeAudio, mediaRule(func(raw *gateway.RawMessage) *gateway.MediaPayload { return raw.AudioMessage })},
	{models.TypeDocument, mediaRule(func(raw *gateway.RawMessage) *gateway.MediaPayload { return raw.DocumentMessage })},
	{models.TypeSticker, mediaRule(func(raw *gateway.RawMessage) *gateway.MediaPayload { return raw.StickerMessage })},
	{models.TypeLocation, func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool) {
		loc := raw.LocationMessage
		if loc == nil {
			return nil, nil, false
		}
		content := fmt.Sprintf("%f,%f", loc.DegreesLatitude, loc.DegreesLongitude)
		if loc.Name != "" {
			content = loc.Name + " (" + content + ")"
		}
		return &content, nil, true
	}},
	{models.TypeContactCard, func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool) {
		card := raw.ContactMessage
		if card == nil {
			return nil, nil, false
		}
		return strPtr(card.DisplayName), nil, true
	}},
}

// Normalize classifies a raw provider payload. Payloads matching no known
// container classify as text with no content; unknown formats never abort
// ingestion.
func Normalize(raw *gateway.RawMessage) Result {
	if raw != nil {
		for _, r := range rules {
			if content, media, ok := r.extract(raw); ok {
				return Result{Type: r.messageType, Content: content, Media: media}
			}
		}
	}
	return Result{Type: models.TypeText}
}

func mediaRule(pick func(raw *gateway.RawMessage) *gateway.MediaPayload) func(*gateway.RawMessage) (*string, *MediaDescriptor, bool) {
	return func(raw *gateway.RawMessage) (*string, *MediaDescriptor, bool) {
		payload := pick(raw)
		if payload == nil {
			return nil, nil, false
		}
		var content *string
		switch {
		case payload.Caption != "":
			content = strPtr(payload.Caption)
		case payload.FileName != "":
			content = strPtr(payload.FileName)
		}
		var media *MediaDescriptor
		if payload.URL != "" {
			media = &MediaDescriptor{
				URL:      payload.URL,
				MimeType: payload.Mimetype,
				FileName: payload.FileName,
			}
		}
		return content, media, true
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
