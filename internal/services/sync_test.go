package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapdesk/internal/events"
	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

// fakeGateway serves the reconciliation endpoints with canned data.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()

	writeJSON := func(w http.ResponseWriter, payload interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}

	text := func(s string) *string { return &s }

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/chat/findContacts/"):
			writeJSON(w, []gateway.RawContact{
				{ID: "5511999990000@s.whatsapp.net", PushName: "Jane", ProfilePictureURL: "https://cdn.example.com/jane.jpg"},
				{ID: "5511988887777@s.whatsapp.net", PushName: "John"},
				{ID: "12036304@g.us", PushName: "The Group"},
			})
		case strings.HasPrefix(r.URL.Path, "/chat/findChats/"):
			writeJSON(w, []gateway.RawChat{
				{ID: "5511999990000@s.whatsapp.net", Name: "Jane", UnreadCount: 3},
				{ID: "12036304@g.us", Name: "The Group", UnreadCount: 12},
			})
		case strings.HasPrefix(r.URL.Path, "/chat/findMessages/"):
			var body struct {
				Where struct {
					Key struct {
						RemoteJID string `json:"remoteJid"`
					} `json:"key"`
				} `json:"where"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, []gateway.MessageEventData{
				{
					Key:              gateway.MessageKey{RemoteJID: body.Where.Key.RemoteJID, ID: "HIST-1"},
					Message:          gateway.RawMessage{Conversation: text("earlier message")},
					MessageTimestamp: time.Now().Add(-2 * time.Hour).Unix(),
				},
				{
					Key:              gateway.MessageKey{RemoteJID: body.Where.Key.RemoteJID, FromMe: true, ID: "HIST-2"},
					Message:          gateway.RawMessage{Conversation: text("my reply")},
					MessageTimestamp: time.Now().Add(-time.Hour).Unix(),
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFullSyncIsIdempotent(t *testing.T) {
	server := fakeGateway(t)
	defer server.Close()

	database := newTestDB(t)
	instance := seedInstance(t, database)

	gatewayClient, err := gateway.NewClient(server.URL, "", 5*time.Second)
	require.NoError(t, err)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)
	publisher := &events.MemoryPublisher{}
	ingest, err := NewIngestService(database, identity, nil, publisher)
	require.NoError(t, err)
	instances, err := NewInstanceService(database, gatewayClient)
	require.NoError(t, err)
	sync, err := NewSyncService(gatewayClient, identity, ingest, instances)
	require.NoError(t, err)

	ctx := context.Background()
	result, err := sync.FullSync(ctx, instance.InstanceName)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Contacts, "the group entry is not a contact")
	assert.Equal(t, 1, result.Conversations)
	assert.Equal(t, 1, result.SkippedGroups)
	assert.Equal(t, 2, result.Messages)

	var contacts, conversations, messages int64
	require.NoError(t, database.Model(&models.Contact{}).Count(&contacts).Error)
	require.NoError(t, database.Model(&models.Conversation{}).Count(&conversations).Error)
	require.NoError(t, database.Model(&models.Message{}).Count(&messages).Error)
	assert.EqualValues(t, 2, contacts)
	assert.EqualValues(t, 1, conversations)
	assert.EqualValues(t, 2, messages)

	var conversation models.Conversation
	require.NoError(t, database.First(&conversation).Error)
	assert.Equal(t, 3, conversation.UnreadCount, "provider unread seeds the new conversation")

	var jane models.Contact
	require.NoError(t, database.Where("phone_number = ?", "5511999990000").First(&jane).Error)
	require.NotNil(t, jane.AvatarURL)
	assert.Equal(t, "https://cdn.example.com/jane.jpg", *jane.AvatarURL)

	assert.Empty(t, publisher.Events(), "backfill never emits real-time events")

	// Second run over identical provider state changes nothing.
	_, err = sync.FullSync(ctx, instance.InstanceName)
	require.NoError(t, err)

	require.NoError(t, database.Model(&models.Contact{}).Count(&contacts).Error)
	require.NoError(t, database.Model(&models.Conversation{}).Count(&conversations).Error)
	require.NoError(t, database.Model(&models.Message{}).Count(&messages).Error)
	assert.EqualValues(t, 2, contacts)
	assert.EqualValues(t, 1, conversations)
	assert.EqualValues(t, 2, messages)

	require.NoError(t, database.First(&conversation).Error)
	assert.Equal(t, 3, conversation.UnreadCount, "re-sync must not re-seed the unread counter")

	last, found := sync.LastSync(instance.OrganizationID)
	require.True(t, found)
	assert.Equal(t, instance.InstanceName, last.Instance)
}
