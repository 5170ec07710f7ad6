package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Exchange.ApiKey = "key"
	cfg.Exchange.ApiSecret = "secret"
	return cfg
}

func TestDefaultsValidateWithCredentials(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Dedup.TTLMinutes = 0
	cfg.Breaker.FailureThreshold = -1
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "bogus"`)
	assert.Contains(t, err.Error(), "ttl_minutes must be positive")
	assert.Contains(t, err.Error(), "failure_threshold must be positive")
	assert.Contains(t, err.Error(), "redis: addr must not be empty")
}

func TestValidateRequiresExchangeCredentialsForServe(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key and api_secret are required")

	cfg.Mode = "reconcile"
	require.NoError(t, cfg.Validate())
}

func TestValidateTelegramFieldsSetTogether(t *testing.T) {
	cfg := validConfig()
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "reconcile"
log_level = "debug"

[throttle]
min_price_change_pct = 1.5
min_interval_minutes = 10

[retry]
base_delay = "250ms"
max_delay = "5s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "reconcile", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1.5, cfg.Throttle.MinPriceChangePct)
	assert.Equal(t, 10, cfg.Throttle.MinIntervalMinutes)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay.Duration)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, 15, cfg.Dedup.TTLMinutes)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("TRADEBOT_POSTGRES_PASSWORD", "supersecret")
	t.Setenv("TRADEBOT_DEDUP_TTL_MINUTES", "30")
	t.Setenv("TRADEBOT_SYNC_INTERVAL", "45s")
	t.Setenv("TRADEBOT_NOTIFY_EVENTS", "order_failed, circuit_open")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "supersecret", cfg.Postgres.Password)
	assert.Equal(t, 30, cfg.Dedup.TTLMinutes)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval.Duration)
	assert.Equal(t, []string{"order_failed", "circuit_open"}, cfg.Notify.Events)
}
