package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "zapdesk.db", cfg.DatabaseDSN)
	assert.Equal(t, "local", cfg.MediaDisk)
	assert.Equal(t, 4, cfg.DispatchWorkers)
	assert.Equal(t, 3*time.Second, cfg.SendDelay)
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_WORKERS", "8")
	t.Setenv("GATEWAY_TIMEOUT", "500ms")
	t.Setenv("SEND_DELAY", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 8, cfg.DispatchWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.GatewayTimeout)
	assert.Equal(t, 5*time.Second, cfg.SendDelay, "plain integers are seconds")
}
