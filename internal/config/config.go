// Package config defines the top-level configuration for the trade bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by TRADEBOT_* environment
// variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Server    ServerConfig    `toml:"server"`
	Throttle  ThrottleConfig  `toml:"throttle"`
	Dedup     DedupConfig     `toml:"dedup"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Retry     RetryConfig     `toml:"retry"`
	Risk      RiskConfig      `toml:"risk"`
	Sync      SyncConfig      `toml:"sync"`
	Health    HealthConfig    `toml:"health"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ExchangeConfig holds Crypto.com Exchange API credentials and endpoints.
type ExchangeConfig struct {
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
	WsUserURL string `toml:"ws_user_url"`
}

// ServerConfig holds webhook HTTP server parameters.
type ServerConfig struct {
	Addr         string `toml:"addr"`
	WebhookToken string `toml:"webhook_token"`
}

// ThrottleConfig holds signal throttling parameters.
type ThrottleConfig struct {
	MinPriceChangePct  float64 `toml:"min_price_change_pct"`
	MinIntervalMinutes int     `toml:"min_interval_minutes"`
}

// DedupConfig holds event deduplication parameters.
type DedupConfig struct {
	TTLMinutes int `toml:"ttl_minutes"`
}

// ReconcileConfig holds intent reconciliation parameters.
type ReconcileConfig struct {
	GraceMinutes    int `toml:"grace_minutes"`
	IntervalMinutes int `toml:"interval_minutes"`
}

// BreakerConfig holds circuit breaker parameters, shared by the exchange and
// telegram breakers.
type BreakerConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
	WindowMinutes    int `toml:"window_minutes"`
	CooldownMinutes  int `toml:"cooldown_minutes"`
}

// RetryConfig holds order placement retry parameters.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
}

// RiskConfig holds pre-trade risk guard parameters.
type RiskConfig struct {
	MaxOpenIntentsPerSymbol int64   `toml:"max_open_intents_per_symbol"`
	MaxOrderNotional        float64 `toml:"max_order_notional"`
}

// SyncConfig holds REST order sync parameters.
type SyncConfig struct {
	Interval duration `toml:"interval"`
}

// HealthConfig holds health reporting parameters.
type HealthConfig struct {
	Interval duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials and limits.
type NotifyConfig struct {
	TelegramToken   string   `toml:"telegram_token"`
	TelegramChatID  string   `toml:"telegram_chat_id"`
	Events          []string `toml:"events"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Exchange: ExchangeConfig{
			BaseURL:   "https://api.crypto.com/exchange/v1",
			WsUserURL: "wss://stream.crypto.com/exchange/v1/user",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Throttle: ThrottleConfig{
			MinPriceChangePct:  0.5,
			MinIntervalMinutes: 5,
		},
		Dedup: DedupConfig{
			TTLMinutes: 15,
		},
		Reconcile: ReconcileConfig{
			GraceMinutes:    10,
			IntervalMinutes: 5,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowMinutes:    5,
			CooldownMinutes:  2,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   duration{500 * time.Millisecond},
			MaxDelay:    duration{10 * time.Second},
		},
		Risk: RiskConfig{
			MaxOpenIntentsPerSymbol: 5,
			MaxOrderNotional:        10_000,
		},
		Sync: SyncConfig{
			Interval: duration{2 * time.Minute},
		},
		Health: HealthConfig{
			Interval: duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events:          []string{"order_placed", "order_failed", "circuit_open", "health_report"},
			RateLimit:       20,
			RateLimitWindow: duration{time.Minute},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"serve":     true,
	"reconcile": true,
	"migrate":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, reconcile, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.Mode == "serve" {
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required for mode serve")
		}
		if c.Server.Addr == "" {
			errs = append(errs, "server: addr must not be empty")
		}
	}

	if c.Throttle.MinPriceChangePct < 0 {
		errs = append(errs, fmt.Sprintf("throttle: min_price_change_pct must be >= 0, got %g", c.Throttle.MinPriceChangePct))
	}
	if c.Throttle.MinIntervalMinutes < 0 {
		errs = append(errs, fmt.Sprintf("throttle: min_interval_minutes must be >= 0, got %d", c.Throttle.MinIntervalMinutes))
	}
	if c.Dedup.TTLMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("dedup: ttl_minutes must be positive, got %d", c.Dedup.TTLMinutes))
	}
	if c.Reconcile.GraceMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("reconcile: grace_minutes must be positive, got %d", c.Reconcile.GraceMinutes))
	}
	if c.Reconcile.IntervalMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("reconcile: interval_minutes must be positive, got %d", c.Reconcile.IntervalMinutes))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("breaker: failure_threshold must be positive, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.WindowMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("breaker: window_minutes must be positive, got %d", c.Breaker.WindowMinutes))
	}
	if c.Breaker.CooldownMinutes <= 0 {
		errs = append(errs, fmt.Sprintf("breaker: cooldown_minutes must be positive, got %d", c.Breaker.CooldownMinutes))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("retry: max_attempts must be >= 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		errs = append(errs, "retry: base_delay must be positive")
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: max_delay must be >= base_delay")
	}
	if c.Risk.MaxOpenIntentsPerSymbol < 1 {
		errs = append(errs, fmt.Sprintf("risk: max_open_intents_per_symbol must be >= 1, got %d", c.Risk.MaxOpenIntentsPerSymbol))
	}
	if c.Risk.MaxOrderNotional <= 0 {
		errs = append(errs, fmt.Sprintf("risk: max_order_notional must be positive, got %g", c.Risk.MaxOrderNotional))
	}
	if c.Sync.Interval.Duration <= 0 {
		errs = append(errs, "sync: interval must be positive")
	}
	if c.Health.Interval.Duration <= 0 {
		errs = append(errs, "health: interval must be positive")
	}

	tgToken := c.Notify.TelegramToken != ""
	tgChat := c.Notify.TelegramChatID != ""
	if tgToken != tgChat {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
