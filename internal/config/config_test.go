package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.MaintenanceInterval)
	assert.Equal(t, 10, cfg.MaxAvailableJobs)
	assert.Equal(t, 256, cfg.SettlementBuffer)
	assert.Equal(t, 5, cfg.SettlementMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.ConfirmInitialDelay)
	assert.Equal(t, 60*time.Second, cfg.ConfirmTotalTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownDrainTimeout)
	assert.False(t, cfg.AdminEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9999")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ADMIN_API_KEY", "super-secret")
	t.Setenv("HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("POLL_RATE_PER_MINUTE", "10")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.True(t, cfg.AdminEnabled())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 10, cfg.PollRatePerMinute)
}

func TestLoad_RejectsUnknownStoreDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
}

func TestGetConfirmBackoff_TestMode(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := config.Load()
	require.NoError(t, err)

	initial, total := cfg.GetConfirmBackoff()
	assert.Less(t, initial, 100*time.Millisecond)
	assert.Less(t, total, time.Second)
}

func TestGetConfirmBackoff_Configured(t *testing.T) {
	t.Setenv("CONFIRM_INITIAL_DELAY", "3s")
	t.Setenv("CONFIRM_TOTAL_TIMEOUT", "45s")
	cfg, err := config.Load()
	require.NoError(t, err)

	initial, total := cfg.GetConfirmBackoff()
	assert.Equal(t, 3*time.Second, initial)
	assert.Equal(t, 45*time.Second, total)
}

func TestLoadAgent_Defaults(t *testing.T) {
	cfg, err := config.LoadAgent()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.MarketplaceURL)
	assert.Equal(t, "wallet.json", cfg.WalletPath)
	assert.Equal(t, 8081, cfg.DashboardPort)
	assert.Equal(t, 1, cfg.MaxConcurrentJobs)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, int64(8589934592), cfg.JobMemoryLimitBytes)
	assert.Equal(t, "none", cfg.ComputeFramework)
}

func TestLoadAgent_ClampsConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "0")
	cfg, err := config.LoadAgent()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxConcurrentJobs)
}
