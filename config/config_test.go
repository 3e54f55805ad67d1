package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	c := DefaultConfig()
	assert.Equal(t, DefaultWorkerBind, c.Coordinator.WorkerBind)
	assert.Equal(t, int64(DefaultStartingGrant), c.Credits.StartingGrant)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 60*time.Second, c.StallGrace(), "stall grace defaults to twice the heartbeat interval")
	assert.True(t, c.SandboxEnabled())
}

func TestCheckConfigRejectsBadValues(t *testing.T) {
	t.Parallel()
	c := DefaultConfig()
	c.Database.Driver = "postgres"
	assert.ErrorIs(t, c.CheckConfig(), ErrInvalidConfig)

	c = DefaultConfig()
	c.Credits.TimeoutRefundNumerator = 3
	c.Credits.TimeoutRefundDenominator = 2
	assert.ErrorIs(t, c.CheckConfig(), ErrInvalidConfig)

	c = DefaultConfig()
	c.Credits.StartingGrant = -1
	assert.ErrorIs(t, c.CheckConfig(), ErrInvalidConfig)
}

func TestLoadConfigBackfills(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"coordinator": {"workerBind": "127.0.0.1:7777", "heartbeatIntervalSeconds": 10},
		"credits": {"startingGrant": 250}
	}`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", c.Coordinator.WorkerBind)
	assert.Equal(t, int64(250), c.Credits.StartingGrant)
	assert.Equal(t, 20*time.Second, c.StallGrace())
	assert.Equal(t, DefaultSandboxImage, c.Sandbox.Image)
}

func TestSaveAndReloadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	c := DefaultConfig()
	c.Coordinator.APIBind = "127.0.0.1:8081"
	require.NoError(t, c.SaveConfig(path))

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, c.Coordinator.APIBind, reloaded.Coordinator.APIBind)

	assert.ErrorIs(t, c.SaveConfig(""), errConfigPathEmpty)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.NotNil(t, c)
}
