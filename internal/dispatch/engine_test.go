package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"zapdesk/internal/db"
	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
	"zapdesk/internal/services"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := db.InitDB(dsn)
	require.NoError(t, err)
	require.NoError(t, db.MigrateDB(database, models.All()...))
	return database
}

type engineFixture struct {
	database   *gorm.DB
	instance   *models.Instance
	broadcasts *services.BroadcastService
	engine     *Engine
	queue      *MemoryQueue

	callsMu   sync.Mutex
	sendCalls map[string]int
}

func (f *engineFixture) calls(phone string) int {
	f.callsMu.Lock()
	defer f.callsMu.Unlock()
	return f.sendCalls[phone]
}

// newEngineFixture wires an engine against a fake gateway that rejects every
// send to phones listed in failing with a 500.
func newEngineFixture(t *testing.T, failing ...string) *engineFixture {
	t.Helper()

	database := newTestDB(t)
	org := models.Organization{Name: "Acme", Slug: "acme-" + uuid.NewString()[:8]}
	require.NoError(t, database.Create(&org).Error)
	instance := models.Instance{
		OrganizationID: org.ID,
		InstanceName:   "acme-main",
		Status:         models.InstanceConnected,
	}
	require.NoError(t, database.Create(&instance).Error)

	rejected := make(map[string]bool)
	for _, phone := range failing {
		rejected[phone] = true
	}

	fixture := &engineFixture{sendCalls: make(map[string]int)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/message/send") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Number string `json:"number"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		fixture.callsMu.Lock()
		fixture.sendCalls[body.Number]++
		fixture.callsMu.Unlock()

		if rejected[body.Number] {
			http.Error(w, `{"error":"send rejected"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gateway.SendResponse{Key: gateway.MessageKey{ID: "WA-" + body.Number}})
	}))
	t.Cleanup(server.Close)

	gatewayClient, err := gateway.NewClient(server.URL, "", 5*time.Second)
	require.NoError(t, err)
	identity, err := services.NewIdentityService(database)
	require.NoError(t, err)
	instancesService, err := services.NewInstanceService(database, gatewayClient)
	require.NoError(t, err)
	broadcasts, err := services.NewBroadcastService(database)
	require.NoError(t, err)

	queue := NewMemoryQueue(64)
	engine, err := NewEngine(broadcasts, identity, instancesService, gatewayClient, queue, EngineConfig{
		Workers:     2,
		SendDelay:   time.Millisecond,
		Backoff:     []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	fixture.database = database
	fixture.instance = &instance
	fixture.broadcasts = broadcasts
	fixture.engine = engine
	fixture.queue = queue
	return fixture
}

func (f *engineFixture) createBroadcast(t *testing.T, phones ...string) *models.Broadcast {
	t.Helper()
	contactIDs := make([]uint, 0, len(phones))
	for _, phone := range phones {
		contact := models.Contact{OrganizationID: f.instance.OrganizationID, PhoneNumber: phone}
		require.NoError(t, f.database.Create(&contact).Error)
		contactIDs = append(contactIDs, contact.ID)
	}
	broadcast, err := f.broadcasts.Create(context.Background(), services.CreateBroadcastRequest{
		OrganizationID: f.instance.OrganizationID,
		InstanceID:     f.instance.ID,
		Name:           "campaign",
		Message:        "hello everyone",
		ContactIDs:     contactIDs,
	})
	require.NoError(t, err)
	return broadcast
}

func TestEngineDispatchesWithMixedResults(t *testing.T) {
	fixture := newEngineFixture(t, "5511999990002")
	broadcast := fixture.createBroadcast(t, "5511999990001", "5511999990002", "5511999990003")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fixture.engine.Start(ctx))
	require.NoError(t, fixture.engine.StartBroadcast(ctx, broadcast.ID))

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && (got.Status == models.BroadcastCompleted || got.Status == models.BroadcastFailed)
	}, 5*time.Second, 10*time.Millisecond)

	got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, got.TotalRecipients, got.SentCount+got.FailedCount)
}

func TestEngineRetriesUpToCeiling(t *testing.T) {
	fixture := newEngineFixture(t, "5511999990009")
	broadcast := fixture.createBroadcast(t, "5511999990009")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fixture.engine.Start(ctx))
	require.NoError(t, fixture.engine.StartBroadcast(ctx, broadcast.ID))

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && got.Status == models.BroadcastFailed
	}, 5*time.Second, 10*time.Millisecond)

	recipients, err := fixture.broadcasts.Recipients(context.Background(), broadcast.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, models.StatusFailed, recipients[0].Status)
	assert.Equal(t, 3, recipients[0].AttemptCount, "delivery stops after the third attempt")
	require.NotNil(t, recipients[0].ErrorMessage)

	assert.Equal(t, 3, fixture.calls("5511999990009"), "the gateway saw exactly three attempts")
}

func TestEngineFailsFastWhenDisconnected(t *testing.T) {
	fixture := newEngineFixture(t)
	require.NoError(t, fixture.database.Model(fixture.instance).Update("status", models.InstanceDisconnected).Error)
	broadcast := fixture.createBroadcast(t, "5511999990001")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fixture.engine.Start(ctx))
	require.NoError(t, fixture.engine.StartBroadcast(ctx, broadcast.ID))

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && got.Status == models.BroadcastFailed
	}, 5*time.Second, 10*time.Millisecond)

	recipients, err := fixture.broadcasts.Recipients(context.Background(), broadcast.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	require.NotNil(t, recipients[0].ErrorMessage)
	assert.Contains(t, *recipients[0].ErrorMessage, "not connected")

	assert.Zero(t, fixture.calls("5511999990001"), "no gateway call leaves while disconnected")
}

func TestEngineResumesInterruptedBroadcast(t *testing.T) {
	fixture := newEngineFixture(t)
	broadcast := fixture.createBroadcast(t, "5511999990001", "5511999990002")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A previous process moved the broadcast into processing and died
	// before its recipients were worked off.
	_, pending, err := fixture.broadcasts.BeginProcessing(ctx, broadcast.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, fixture.engine.Start(ctx))

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && got.Status == models.BroadcastCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SentCount)
}

func TestEngineSettlesFinishedBroadcastOnStart(t *testing.T) {
	fixture := newEngineFixture(t)
	broadcast := fixture.createBroadcast(t, "5511999990001")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The crash hit between the last terminal recipient transition and
	// the broadcast's own completion.
	_, pending, err := fixture.broadcasts.BeginProcessing(ctx, broadcast.ID)
	require.NoError(t, err)
	require.NoError(t, fixture.broadcasts.MarkRecipientSent(ctx, pending[0].ID))
	require.NoError(t, fixture.database.Model(broadcast).Update("status", models.BroadcastProcessing).Error)

	require.NoError(t, fixture.engine.Start(ctx))

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && got.Status == models.BroadcastCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, fixture.calls("5511999990001"), "the settled recipient is not re-sent")
}

func TestSchedulerStartsDueBroadcasts(t *testing.T) {
	fixture := newEngineFixture(t)
	contact := models.Contact{OrganizationID: fixture.instance.OrganizationID, PhoneNumber: "5511999990005"}
	require.NoError(t, fixture.database.Create(&contact).Error)

	at := time.Now().Add(-time.Second)
	broadcast, err := fixture.broadcasts.Create(context.Background(), services.CreateBroadcastRequest{
		OrganizationID: fixture.instance.OrganizationID,
		InstanceID:     fixture.instance.ID,
		Message:        "scheduled hello",
		ContactIDs:     []uint{contact.ID},
		ScheduledAt:    &at,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fixture.engine.Start(ctx))
	go fixture.engine.RunScheduler(ctx, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := fixture.broadcasts.Get(context.Background(), broadcast.ID)
		return err == nil && got.Status == models.BroadcastCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
