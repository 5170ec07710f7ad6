package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/cache/redis"
	"github.com/ccruz0/crypto-2.0-sub006/internal/config"
	"github.com/ccruz0/crypto-2.0-sub006/internal/dedup"
	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/feed"
	"github.com/ccruz0/crypto-2.0-sub006/internal/notify"
	"github.com/ccruz0/crypto-2.0-sub006/internal/orchestrator"
	"github.com/ccruz0/crypto-2.0-sub006/internal/platform/cryptocom"
	"github.com/ccruz0/crypto-2.0-sub006/internal/reconcile"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
	"github.com/ccruz0/crypto-2.0-sub006/internal/server"
	"github.com/ccruz0/crypto-2.0-sub006/internal/service"
	"github.com/ccruz0/crypto-2.0-sub006/internal/store/postgres"
	"github.com/ccruz0/crypto-2.0-sub006/internal/throttle"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	ThrottleStates domain.ThrottleStateStore
	DedupEvents    domain.DedupEventStore
	Intents        domain.OrderIntentStore
	Orders         domain.ExchangeOrderStore

	// Coordination
	Locks   domain.LockManager
	Limiter domain.RateLimiter

	// Exchange
	Exchange *cryptocom.Client

	// Breakers
	ExchangeBreaker *retry.CircuitBreaker
	TelegramBreaker *retry.CircuitBreaker

	// Pipeline and loops
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconcile.Reconciler
	OrderFeed    *feed.OrderFeed
	OrderSync    *service.OrderSync
	Health       *service.HealthReporter
	Notifier     *notify.Service
	Server       *server.Server
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations || cfg.Mode == "migrate" {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.ThrottleStates = postgres.NewThrottleStateStore(pgClient)
	deps.DedupEvents = postgres.NewDedupEventStore(pgClient)
	deps.Intents = postgres.NewOrderIntentStore(pgClient)
	deps.Orders = postgres.NewExchangeOrderStore(pgClient)

	if cfg.Mode == "migrate" {
		return deps, cleanup, nil
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Locks = redis.NewLockManager(redisClient, logger)
	deps.Limiter = redis.NewRateLimiter(redisClient)

	// --- Breakers ---
	breakerWindow := time.Duration(cfg.Breaker.WindowMinutes) * time.Minute
	breakerCooldown := time.Duration(cfg.Breaker.CooldownMinutes) * time.Minute
	deps.ExchangeBreaker = retry.NewCircuitBreaker("exchange",
		cfg.Breaker.FailureThreshold, breakerWindow, breakerCooldown, logger)
	deps.TelegramBreaker = retry.NewCircuitBreaker("telegram",
		cfg.Breaker.FailureThreshold, breakerWindow, breakerCooldown, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(notify.TelegramConfig{
			BotToken: cfg.Notify.TelegramToken,
			ChatID:   cfg.Notify.TelegramChatID,
		}))
	}
	enabled := make(map[string]bool, len(cfg.Notify.Events))
	for _, ev := range cfg.Notify.Events {
		enabled[ev] = true
	}
	deps.Notifier = notify.New(senders, deps.Limiter, deps.TelegramBreaker, notify.Config{
		EnabledEvents:   enabled,
		RateLimit:       cfg.Notify.RateLimit,
		RateLimitWindow: cfg.Notify.RateLimitWindow.Duration,
	}, logger)

	// --- Reconciler (needed by both serve and reconcile modes) ---
	deps.Reconciler = reconcile.New(deps.Intents, deps.Orders, deps.Locks, reconcile.Config{
		Grace:    time.Duration(cfg.Reconcile.GraceMinutes) * time.Minute,
		Interval: time.Duration(cfg.Reconcile.IntervalMinutes) * time.Minute,
	}, logger)

	if cfg.Mode != "serve" {
		return deps, cleanup, nil
	}

	// --- Exchange ---
	exchangeCfg := cryptocom.Config{
		APIKey:    cfg.Exchange.ApiKey,
		APISecret: cfg.Exchange.ApiSecret,
		BaseURL:   cfg.Exchange.BaseURL,
		WSUserURL: cfg.Exchange.WsUserURL,
	}
	deps.Exchange = cryptocom.NewClient(exchangeCfg, logger)
	stream := cryptocom.NewUserStream(exchangeCfg, logger)

	// --- Core pipeline ---
	th := throttle.New(deps.ThrottleStates, logger)
	ds := dedup.NewStore(deps.DedupEvents, logger)
	guard := orchestrator.NewGuard(deps.Intents, orchestrator.GuardConfig{
		MaxOpenIntentsPerSymbol: cfg.Risk.MaxOpenIntentsPerSymbol,
		MaxOrderNotional:        decimal.NewFromFloat(cfg.Risk.MaxOrderNotional),
	}, logger)

	deps.Orchestrator = orchestrator.New(
		deps.Intents, deps.ThrottleStates, th, ds,
		deps.Exchange, guard, deps.Exchange,
		deps.ExchangeBreaker, deps.Notifier,
		orchestrator.Config{
			Throttle: throttle.Config{
				MinPriceChangePct: decimal.NewFromFloat(cfg.Throttle.MinPriceChangePct),
				MinInterval:       time.Duration(cfg.Throttle.MinIntervalMinutes) * time.Minute,
			},
			DedupTTL: time.Duration(cfg.Dedup.TTLMinutes) * time.Minute,
			Retry: retry.Policy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay.Duration,
				MaxDelay:    cfg.Retry.MaxDelay.Duration,
				Jitter:      cfg.Retry.BaseDelay.Duration / 2,
			},
		},
		logger,
	)

	// --- Background loops ---
	deps.OrderFeed = feed.NewOrderFeed(stream, deps.Orders, deps.Intents, logger)
	deps.OrderSync = service.NewOrderSync(deps.Exchange, deps.Orders, deps.Intents,
		deps.ExchangeBreaker, cfg.Sync.Interval.Duration, logger)
	deps.Health = service.NewHealthReporter(ds, deps.Intents,
		[]*retry.CircuitBreaker{deps.ExchangeBreaker, deps.TelegramBreaker},
		deps.Notifier, cfg.Health.Interval.Duration, logger)

	// --- HTTP intake ---
	deps.Server = server.New(server.Config{
		Addr:         cfg.Server.Addr,
		WebhookToken: cfg.Server.WebhookToken,
	}, deps.Orchestrator, logger)

	return deps, cleanup, nil
}
