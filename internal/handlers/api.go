package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"zapdesk/internal/dispatch"
	"zapdesk/internal/gateway"
	"zapdesk/internal/services"
)

const backgroundSyncTimeout = 10 * time.Minute

// APIHandler exposes the REST surface over the pipeline services.
type APIHandler struct {
	broadcasts *services.BroadcastService
	outbound   *services.OutboundService
	sync       *services.SyncService
	instances  *services.InstanceService
	engine     *dispatch.Engine
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(broadcasts *services.BroadcastService, outbound *services.OutboundService, syncService *services.SyncService, instances *services.InstanceService, engine *dispatch.Engine) *APIHandler {
	if broadcasts == nil || outbound == nil || syncService == nil || instances == nil || engine == nil {
		log.Fatal().Msg("APIHandler dependencies cannot be nil")
	}
	return &APIHandler{
		broadcasts: broadcasts,
		outbound:   outbound,
		sync:       syncService,
		instances:  instances,
		engine:     engine,
	}
}

// Register mounts all API routes on the router.
func (h *APIHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/broadcasts", h.CreateBroadcast).Methods(http.MethodPost)
	router.HandleFunc("/api/broadcasts/{id:[0-9]+}", h.ShowBroadcast).Methods(http.MethodGet)
	router.HandleFunc("/api/broadcasts/{id:[0-9]+}/send", h.SendBroadcast).Methods(http.MethodPost)
	router.HandleFunc("/api/conversations/{id:[0-9]+}/messages", h.SendMessage).Methods(http.MethodPost)
	router.HandleFunc("/api/conversations/{id:[0-9]+}/read", h.MarkRead).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{instanceName}/sync", h.TriggerSync).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{instanceName}/sync", h.SyncStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{instanceName}/status", h.InstanceStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{instanceName}/webhook", h.RegisterWebhook).Methods(http.MethodPost)
}

type createBroadcastPayload struct {
	OrganizationID uint       `json:"organization_id"`
	InstanceID     uint       `json:"instance_id"`
	Name           string     `json:"name"`
	Message        string     `json:"message"`
	MediaURL       *string    `json:"media_url,omitempty"`
	MediaType      *string    `json:"media_type,omitempty"`
	ContactIDs     []uint     `json:"contact_ids"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
}

// CreateBroadcast creates a campaign in draft or scheduled state.
func (h *APIHandler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var payload createBroadcastPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	broadcast, err := h.broadcasts.Create(r.Context(), services.CreateBroadcastRequest{
		OrganizationID: payload.OrganizationID,
		InstanceID:     payload.InstanceID,
		Name:           payload.Name,
		Message:        payload.Message,
		MediaURL:       payload.MediaURL,
		MediaType:      payload.MediaType,
		ContactIDs:     payload.ContactIDs,
		ScheduledAt:    payload.ScheduledAt,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, broadcast)
}

// ShowBroadcast returns a broadcast with its recipients.
func (h *APIHandler) ShowBroadcast(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	broadcast, err := h.broadcasts.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	recipients, err := h.broadcasts.Recipients(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"broadcast":  broadcast,
		"recipients": recipients,
	})
}

// SendBroadcast starts dispatching a draft or scheduled broadcast now.
func (h *APIHandler) SendBroadcast(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := h.engine.StartBroadcast(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "broadcast_id": id})
}

type sendMessagePayload struct {
	Content string `json:"content"`
	MediaID *uint  `json:"media_id,omitempty"`
}

// SendMessage sends one outbound message on a conversation.
func (h *APIHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var payload sendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	message, err := h.outbound.Send(r.Context(), services.SendRequest{
		ConversationID: pathID(r, "id"),
		Content:        payload.Content,
		MediaID:        payload.MediaID,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, message)
}

// MarkRead resets the conversation's unread state.
func (h *APIHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.outbound.MarkConversationRead(r.Context(), pathID(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// TriggerSync kicks off a full reconciliation in the background.
func (h *APIHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	instanceName := mux.Vars(r)["instanceName"]
	if _, err := h.instances.GetByName(r.Context(), instanceName); err != nil {
		respondError(w, http.StatusNotFound, "instance not found")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		if _, err := h.sync.FullSync(ctx, instanceName); err != nil {
			log.Error().Err(err).Str("instance", instanceName).Msg("Background full sync failed")
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "instance": instanceName})
}

// SyncStatus returns the last reconciliation result, if any ran recently.
func (h *APIHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	instanceName := mux.Vars(r)["instanceName"]
	instance, err := h.instances.GetByName(r.Context(), instanceName)
	if err != nil {
		respondError(w, http.StatusNotFound, "instance not found")
		return
	}

	result, found := h.sync.LastSync(instance.OrganizationID)
	if !found {
		respondJSON(w, http.StatusOK, map[string]interface{}{"synced": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"synced": true, "result": result})
}

// InstanceStatus refreshes and returns the instance's connection state.
func (h *APIHandler) InstanceStatus(w http.ResponseWriter, r *http.Request) {
	instanceName := mux.Vars(r)["instanceName"]
	status, err := h.instances.RefreshStatus(r.Context(), instanceName)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"instance": instanceName, "status": status})
}

type registerWebhookPayload struct {
	PublicURL string `json:"public_url"`
}

// RegisterWebhook points the gateway at this service for the instance.
func (h *APIHandler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var payload registerWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	instanceName := mux.Vars(r)["instanceName"]
	if err := h.instances.RegisterWebhook(r.Context(), instanceName, payload.PublicURL); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func pathID(r *http.Request, name string) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	return uint(id)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// respondServiceError maps pipeline errors to HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *gateway.ValidationError
	switch {
	case errors.As(err, &validationErr):
		respondError(w, http.StatusUnprocessableEntity, validationErr.Error())
	case errors.Is(err, gateway.ErrNotConnected):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
