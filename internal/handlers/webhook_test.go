package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"zapdesk/internal/db"
	"zapdesk/internal/events"
	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/services"
)

type webhookFixture struct {
	database *gorm.DB
	instance *models.Instance
	router   *mux.Router
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := db.InitDB(dsn)
	require.NoError(t, err)
	require.NoError(t, db.MigrateDB(database, models.All()...))

	org := models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, database.Create(&org).Error)
	instance := models.Instance{OrganizationID: org.ID, InstanceName: "acme-main", Status: models.InstanceConnected}
	require.NoError(t, database.Create(&instance).Error)

	gatewayClient, err := gateway.NewClient("http://localhost:1", "", time.Second)
	require.NoError(t, err)
	identity, err := services.NewIdentityService(database)
	require.NoError(t, err)
	instancesService, err := services.NewInstanceService(database, gatewayClient)
	require.NoError(t, err)
	ingest, err := services.NewIngestService(database, identity, nil, &events.MemoryPublisher{})
	require.NoError(t, err)

	router := mux.NewRouter()
	handler := NewWebhookHandler(instancesService, ingest)
	router.HandleFunc("/webhook/{instanceName}", handler.Handle).Methods(http.MethodPost)

	return &webhookFixture{database: database, instance: &instance, router: router}
}

func (f *webhookFixture) deliver(t *testing.T, event string, data interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(gateway.WebhookEnvelope{Event: event, Instance: f.instance.InstanceName, Data: raw})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+f.instance.InstanceName, bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestWebhookIngestsMessageUpsert(t *testing.T) {
	fixture := newWebhookFixture(t)
	text := "hello from webhook"

	recorder := fixture.deliver(t, gateway.EventMessagesUpsert, gateway.MessageEventData{
		Key:      gateway.MessageKey{RemoteJID: "5511999990000@s.whatsapp.net", ID: "WA-wh-1"},
		PushName: "Jane",
		Message:  gateway.RawMessage{Conversation: &text},
	})

	assert.Equal(t, http.StatusOK, recorder.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, true, response["success"])

	var message models.Message
	require.NoError(t, fixture.database.First(&message).Error)
	require.NotNil(t, message.Content)
	assert.Equal(t, text, *message.Content)
}

func TestWebhookAcksRejectedTraffic(t *testing.T) {
	fixture := newWebhookFixture(t)
	text := "group chatter"

	// Group messages are skipped but still acknowledged, so the gateway
	// never redelivers them.
	recorder := fixture.deliver(t, gateway.EventMessagesUpsert, gateway.MessageEventData{
		Key:     gateway.MessageKey{RemoteJID: "12036304@g.us", ID: "WA-wh-g"},
		Message: gateway.RawMessage{Conversation: &text},
	})
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = fixture.deliver(t, "presence.update", map[string]string{"presence": "composing"})
	assert.Equal(t, http.StatusOK, recorder.Code)

	var count int64
	require.NoError(t, fixture.database.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWebhookAcksInvalidJSON(t *testing.T) {
	fixture := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme-main", bytes.NewReader([]byte("{broken")))
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, req)

	// Broken payloads are acked so the gateway does not redeliver them.
	assert.Equal(t, http.StatusOK, recorder.Code)

	var count int64
	require.NoError(t, fixture.database.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWebhookAppliesConnectionUpdate(t *testing.T) {
	fixture := newWebhookFixture(t)

	recorder := fixture.deliver(t, gateway.EventConnectionUpdate, gateway.ConnectionUpdateData{State: "close"})
	assert.Equal(t, http.StatusOK, recorder.Code)

	var instance models.Instance
	require.NoError(t, fixture.database.First(&instance, fixture.instance.ID).Error)
	assert.Equal(t, models.InstanceDisconnected, instance.Status)
}

func TestWebhookAppliesStatusUpdate(t *testing.T) {
	fixture := newWebhookFixture(t)
	text := "ping"

	fixture.deliver(t, gateway.EventMessagesUpsert, gateway.MessageEventData{
		Key:     gateway.MessageKey{RemoteJID: "5511999990000@s.whatsapp.net", FromMe: true, ID: "WA-wh-s"},
		Message: gateway.RawMessage{Conversation: &text},
	})
	recorder := fixture.deliver(t, gateway.EventMessagesUpdate, gateway.MessageUpdateData{
		Key:    gateway.MessageKey{ID: "WA-wh-s"},
		Status: "READ",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)

	var message models.Message
	require.NoError(t, fixture.database.Where("provider_message_id = ?", "WA-wh-s").First(&message).Error)
	assert.Equal(t, models.StatusRead, message.Status)
}
