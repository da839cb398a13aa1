package services

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"zapdesk/internal/db"
	"zapdesk/internal/models"
)

// newTestDB opens a private in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := db.InitDB(dsn)
	require.NoError(t, err)
	require.NoError(t, db.MigrateDB(database, models.All()...))
	return database
}

// seedInstance creates an organization with one connected instance.
func seedInstance(t *testing.T, database *gorm.DB) *models.Instance {
	t.Helper()
	org := models.Organization{Name: "Acme", Slug: "acme-" + uuid.NewString()[:8]}
	require.NoError(t, database.Create(&org).Error)
	instance := models.Instance{
		OrganizationID: org.ID,
		InstanceName:   "acme-main-" + uuid.NewString()[:8],
		Status:         models.InstanceConnected,
	}
	require.NoError(t, database.Create(&instance).Error)
	return &instance
}

// seedContact creates one contact in the instance's organization.
func seedContact(t *testing.T, database *gorm.DB, organizationID uint, phone string) *models.Contact {
	t.Helper()
	contact := models.Contact{OrganizationID: organizationID, PhoneNumber: phone}
	require.NoError(t, database.Create(&contact).Error)
	return &contact
}
