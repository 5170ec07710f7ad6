package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
)

// Notifier is the outbound channel for health reports.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// DedupCounter is the dedup layer's monitoring read path. Storage errors are
// absorbed behind it and reported as 0.
type DedupCounter interface {
	CountRecent(ctx context.Context, window time.Duration) int64
}

// HealthReporter periodically summarizes dedup volume, pending intents, and
// circuit breaker states, logging the summary and pushing it out as a
// notification.
type HealthReporter struct {
	dedups   DedupCounter
	intents  domain.OrderIntentStore
	breakers []*retry.CircuitBreaker
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
}

// NewHealthReporter creates a HealthReporter running every interval.
func NewHealthReporter(dedups DedupCounter, intents domain.OrderIntentStore, breakers []*retry.CircuitBreaker, notifier Notifier, interval time.Duration, logger *slog.Logger) *HealthReporter {
	return &HealthReporter{
		dedups:   dedups,
		intents:  intents,
		breakers: breakers,
		notifier: notifier,
		interval: interval,
		logger:   logger.With(slog.String("component", "health")),
	}
}

// Run reports on a ticker until ctx is done.
func (h *HealthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Report(ctx)
		}
	}
}

// Report collects the current health snapshot and publishes it. Store
// errors degrade individual fields rather than suppressing the report.
func (h *HealthReporter) Report(ctx context.Context) {
	dedupCount := h.dedups.CountRecent(ctx, h.interval)

	pending, err := h.intents.CountPending(ctx)
	if err != nil {
		h.logger.Warn("count pending intents failed", slog.String("error", err.Error()))
		pending = -1
	}

	attrs := []any{
		slog.Int64("dedup_events", dedupCount),
		slog.Int64("pending_intents", pending),
	}
	message := fmt.Sprintf("dedup events (last %s): %d\npending intents: %d",
		h.interval, dedupCount, pending)
	for _, b := range h.breakers {
		attrs = append(attrs, slog.String("breaker_"+b.Name(), string(b.State())))
		message += fmt.Sprintf("\nbreaker %s: %s", b.Name(), b.State())
	}
	h.logger.Info("health report", attrs...)

	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, "health_report", "Tradebot health", message); err != nil {
		h.logger.Warn("health notification failed", slog.String("error", err.Error()))
	}
}
