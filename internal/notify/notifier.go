// Package notify delivers operational events (order placed, order failed,
// circuit opened, health reports) to external channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
)

// Sender delivers a single rendered notification to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, title, message string) error
}

// Config controls which events go out and how fast.
type Config struct {
	// EnabledEvents maps event names to on/off. Unlisted events are dropped.
	EnabledEvents map[string]bool
	// RateLimit caps deliveries per window per event. Zero disables limiting.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Service fans notifications out to its senders, gated per event by the
// config and per channel by a circuit breaker and a shared rate limiter.
type Service struct {
	senders []Sender
	limiter domain.RateLimiter
	breaker *retry.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
}

// New creates a notification service. limiter may be nil to skip rate
// limiting, breaker may be nil to send unconditionally.
func New(senders []Sender, limiter domain.RateLimiter, breaker *retry.CircuitBreaker, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		senders: senders,
		limiter: limiter,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Notify delivers the event to all senders. Disabled and rate-limited
// events are dropped silently. A sender failure is logged and counted
// against the breaker but does not stop delivery to other senders.
func (s *Service) Notify(ctx context.Context, event, title, message string) error {
	if !s.cfg.EnabledEvents[event] {
		return nil
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "notify:"+event, s.cfg.RateLimit, s.cfg.RateLimitWindow)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, sending anyway",
				slog.String("event", event),
				slog.String("error", err.Error()))
		} else if !allowed {
			s.logger.Debug("notification rate limited", slog.String("event", event))
			return nil
		}
	}

	if s.breaker != nil && !s.breaker.AllowCall() {
		s.logger.Debug("notification channel circuit open", slog.String("event", event))
		return domain.ErrCircuitOpen
	}

	var firstErr error
	for _, sender := range s.senders {
		if err := sender.Send(ctx, title, message); err != nil {
			if s.breaker != nil {
				s.breaker.RecordFailure()
			}
			s.logger.Warn("notification delivery failed",
				slog.String("event", event),
				slog.String("sender", sender.Name()),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("notify: %s: %w", sender.Name(), err)
			}
			continue
		}
		if s.breaker != nil {
			s.breaker.RecordSuccess()
		}
	}
	return firstErr
}
