package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEBOT_REDIS_DB")

	// ── Exchange ──
	setStr(&cfg.Exchange.ApiKey, "TRADEBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "TRADEBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.BaseURL, "TRADEBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsUserURL, "TRADEBOT_EXCHANGE_WS_USER_URL")

	// ── Server ──
	setStr(&cfg.Server.Addr, "TRADEBOT_SERVER_ADDR")
	setStr(&cfg.Server.WebhookToken, "TRADEBOT_SERVER_WEBHOOK_TOKEN")

	// ── Throttle ──
	setFloat64(&cfg.Throttle.MinPriceChangePct, "TRADEBOT_THROTTLE_MIN_PRICE_CHANGE_PCT")
	setInt(&cfg.Throttle.MinIntervalMinutes, "TRADEBOT_THROTTLE_MIN_INTERVAL_MINUTES")

	// ── Dedup ──
	setInt(&cfg.Dedup.TTLMinutes, "TRADEBOT_DEDUP_TTL_MINUTES")

	// ── Reconcile ──
	setInt(&cfg.Reconcile.GraceMinutes, "TRADEBOT_RECONCILE_GRACE_MINUTES")
	setInt(&cfg.Reconcile.IntervalMinutes, "TRADEBOT_RECONCILE_INTERVAL_MINUTES")

	// ── Breaker ──
	setInt(&cfg.Breaker.FailureThreshold, "TRADEBOT_BREAKER_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.WindowMinutes, "TRADEBOT_BREAKER_WINDOW_MINUTES")
	setInt(&cfg.Breaker.CooldownMinutes, "TRADEBOT_BREAKER_COOLDOWN_MINUTES")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "TRADEBOT_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "TRADEBOT_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "TRADEBOT_RETRY_MAX_DELAY")

	// ── Risk ──
	setInt64(&cfg.Risk.MaxOpenIntentsPerSymbol, "TRADEBOT_RISK_MAX_OPEN_INTENTS_PER_SYMBOL")
	setFloat64(&cfg.Risk.MaxOrderNotional, "TRADEBOT_RISK_MAX_ORDER_NOTIONAL")

	// ── Sync / Health ──
	setDuration(&cfg.Sync.Interval, "TRADEBOT_SYNC_INTERVAL")
	setDuration(&cfg.Health.Interval, "TRADEBOT_HEALTH_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "TRADEBOT_NOTIFY_EVENTS")
	setInt(&cfg.Notify.RateLimit, "TRADEBOT_NOTIFY_RATE_LIMIT")
	setDuration(&cfg.Notify.RateLimitWindow, "TRADEBOT_NOTIFY_RATE_LIMIT_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEBOT_MODE")
	setStr(&cfg.LogLevel, "TRADEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
