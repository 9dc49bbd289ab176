package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/policy"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("POINTS_STORE_DRIVER", "memory")
	t.Setenv("POINTS_SCHEDULER_INTERVAL", "15m")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewComponents_Memory(t *testing.T) {
	cfg := memoryConfig(t)

	c, err := newComponents(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	// the default policy is synthesized on an empty store
	active, err := c.engine.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultID, active.ID)

	assert.Equal(t, 15*time.Minute, c.scheduler.Interval)
	assert.Equal(t, 30, c.scheduler.HorizonDays)
	assert.True(t, c.scheduler.Enabled)
}

func TestNewComponents_SeedFile(t *testing.T) {
	cfg := memoryConfig(t)
	seed := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
policies:
  - id: launch
    name: Launch policy
    active: true
    earn_rules: {base_rate: 2, max_rate: 5}
    spend_rules: {min_points: 100, max_usage_rate: 100, unit_of_use: 10}
    expiry_rules: {default_expiry_months: 6}
`), 0o600))
	cfg.Policy.SeedFile = seed

	c, err := newComponents(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	active, err := c.engine.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, policy.ID("launch"), active.ID)
}

func TestNewComponents_UnknownDriver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Store.Driver = "cassandra"

	_, err := newComponents(context.Background(), cfg, zap.NewNop())

	assert.ErrorContains(t, err, "unknown store driver")
}
