package db

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapdesk/internal/models"
)

func TestInitDBRejectsEmptyDSN(t *testing.T) {
	_, err := InitDB("")
	require.Error(t, err)
}

func TestInitDBOpensAndMigrates(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := InitDB(dsn)
	require.NoError(t, err)
	require.NoError(t, MigrateDB(database, models.All()...))

	org := models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, database.Create(&org).Error)
	assert.NotZero(t, org.ID)
}

func TestMigrateDBRequiresModels(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	database, err := InitDB(dsn)
	require.NoError(t, err)

	require.Error(t, MigrateDB(database))
	require.Error(t, MigrateDB(nil, models.Organization{}))
}
