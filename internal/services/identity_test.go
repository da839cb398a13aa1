package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapdesk/internal/gateway"
	"zapdesk/internal/models"
)

func TestResolveContactIsStable(t *testing.T) {
	database := newTestDB(t)
	instance := seedInstance(t, database)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := identity.ResolveContact(ctx, instance.OrganizationID, "5511999990000@s.whatsapp.net", "Jane")
	require.NoError(t, err)
	assert.Equal(t, "5511999990000", first.PhoneNumber)
	require.NotNil(t, first.Name)
	assert.Equal(t, "Jane", *first.Name)

	// Same address again, no matter the suffix, maps to the same contact.
	second, err := identity.ResolveContact(ctx, instance.OrganizationID, "5511999990000@c.us", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.Name)
	assert.Equal(t, "Jane", *second.Name, "empty push name never clears the stored name")

	var count int64
	require.NoError(t, database.Model(&models.Contact{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestResolveContactUpdatesPushName(t *testing.T) {
	database := newTestDB(t)
	instance := seedInstance(t, database)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = identity.ResolveContact(ctx, instance.OrganizationID, "5511999990000@s.whatsapp.net", "Jane")
	require.NoError(t, err)

	updated, err := identity.ResolveContact(ctx, instance.OrganizationID, "5511999990000@s.whatsapp.net", "Jane Roe")
	require.NoError(t, err)
	require.NotNil(t, updated.Name)
	assert.Equal(t, "Jane Roe", *updated.Name)
}

func TestResolveContactRejectsEmptyAddress(t *testing.T) {
	database := newTestDB(t)
	instance := seedInstance(t, database)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)

	_, err = identity.ResolveContact(context.Background(), instance.OrganizationID, "@s.whatsapp.net", "")
	var validationErr *gateway.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestResolveContactConcurrently(t *testing.T) {
	database := newTestDB(t)
	instance := seedInstance(t, database)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)

	const callers = 8
	ids := make([]uint, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			contact, err := identity.ResolveContact(context.Background(), instance.OrganizationID, "5511988887777@s.whatsapp.net", "Racer")
			if assert.NoError(t, err) {
				ids[slot] = contact.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "every caller must see the same contact")
	}
	var count int64
	require.NoError(t, database.Model(&models.Contact{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestResolveConversationSeedsOnlyAtCreation(t *testing.T) {
	database := newTestDB(t)
	instance := seedInstance(t, database)
	identity, err := NewIdentityService(database)
	require.NoError(t, err)
	ctx := context.Background()

	contact := seedContact(t, database, instance.OrganizationID, "5511999990000")

	created, err := identity.ResolveConversation(ctx, contact.ID, instance.ID, models.ConversationOpen, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, created.UnreadCount)
	assert.Equal(t, models.ConversationOpen, created.Status)

	// A second resolve with a different seed leaves the counter alone.
	again, err := identity.ResolveConversation(ctx, contact.ID, instance.ID, models.ConversationOpen, 99)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, 7, again.UnreadCount)
}
