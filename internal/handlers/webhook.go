// Package handlers exposes the HTTP surface: the gateway webhook plus a thin
// REST API for conversations, broadcasts and sync.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/gateway"
	"zapdesk/internal/services"
)

// WebhookHandler receives gateway events. Webhooks are acknowledged with 200
// even when processing fails, so the gateway never redelivers an event our
// own pipeline already rejected for good reason.
type WebhookHandler struct {
	instances *services.InstanceService
	ingest    *services.IngestService
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(instances *services.InstanceService, ingest *services.IngestService) *WebhookHandler {
	if instances == nil {
		log.Fatal().Msg("InstanceService cannot be nil for WebhookHandler")
	}
	if ingest == nil {
		log.Fatal().Msg("IngestService cannot be nil for WebhookHandler")
	}
	return &WebhookHandler{instances: instances, ingest: ingest}
}

// Handle processes one webhook delivery for the instance named in the path.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	instanceName := mux.Vars(r)["instanceName"]

	var envelope gateway.WebhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		// A malformed body will not improve on redelivery; ack it like
		// every other rejected event.
		log.Error().Err(err).Str("instance", instanceName).Msg("Failed to decode webhook payload")
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}
	if envelope.Instance == "" {
		envelope.Instance = instanceName
	}

	log.Info().Str("event", envelope.Event).Str("instance", envelope.Instance).Msg("Received gateway event")

	switch envelope.Event {
	case gateway.EventMessagesUpsert, gateway.EventSendMessage:
		h.handleMessage(r, &envelope)
	case gateway.EventMessagesUpdate:
		h.handleStatusUpdate(r, &envelope)
	case gateway.EventConnectionUpdate:
		h.handleConnectionUpdate(r, &envelope)
	case gateway.EventMessagesDelete:
		// Deletions are kept locally for audit; nothing to do.
		log.Debug().Str("instance", envelope.Instance).Msg("Message delete event ignored")
	default:
		log.Warn().Str("event", envelope.Event).Msg("Unknown gateway event type")
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *WebhookHandler) handleMessage(r *http.Request, envelope *gateway.WebhookEnvelope) {
	instance, err := h.instances.GetByName(r.Context(), envelope.Instance)
	if err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Webhook for unknown instance")
		return
	}

	var data gateway.MessageEventData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to decode message event data")
		return
	}

	if _, err := h.ingest.Ingest(r.Context(), instance, &data); err != nil {
		// Validation failures (groups, missing ids) are expected traffic.
		if _, ok := err.(*gateway.ValidationError); ok {
			log.Debug().Err(err).Str("instance", envelope.Instance).Msg("Message event skipped")
			return
		}
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to ingest message event")
	}
}

func (h *WebhookHandler) handleStatusUpdate(r *http.Request, envelope *gateway.WebhookEnvelope) {
	var data gateway.MessageUpdateData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to decode status update data")
		return
	}
	if err := h.ingest.ApplyStatusUpdate(r.Context(), &data); err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to apply message status update")
	}
}

func (h *WebhookHandler) handleConnectionUpdate(r *http.Request, envelope *gateway.WebhookEnvelope) {
	var data gateway.ConnectionUpdateData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to decode connection update data")
		return
	}
	if err := h.instances.UpdateStatus(r.Context(), envelope.Instance, data.State); err != nil {
		log.Error().Err(err).Str("instance", envelope.Instance).Msg("Failed to apply connection update")
	}
}
