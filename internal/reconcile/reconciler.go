// Package reconcile closes the loop on order intents whose outcome was never
// confirmed. A process crash or a lost HTTP response after submitting an
// order leaves an intent PENDING forever, silently masking duplicate-order
// risk; the periodic sweep converts that silent uncertainty into explicit,
// queryable failure.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// lockKey serializes the sweep across replicas.
const lockKey = "intent_reconciliation"

// Config holds the reconciler's cadence parameters.
type Config struct {
	// Grace tolerates normal exchange round-trip latency before a PENDING
	// intent is considered a problem.
	Grace time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

// Reconciler sweeps stale PENDING intents against the exchange-order read
// model.
type Reconciler struct {
	intents domain.OrderIntentStore
	orders  domain.ExchangeOrderStore
	locks   domain.LockManager
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Reconciler. locks may be nil in single-replica deployments;
// the sweep then runs unserialized.
func New(intents domain.OrderIntentStore, orders domain.ExchangeOrderStore, locks domain.LockManager, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		intents: intents,
		orders:  orders,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "intent_reconciler")),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Grace returns the configured grace period.
func (r *Reconciler) Grace() time.Duration { return r.cfg.Grace }

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started",
		slog.Duration("grace", r.cfg.Grace),
		slog.Duration("interval", r.cfg.Interval),
	)
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs one locked reconciliation pass. Lock contention means another
// replica is already sweeping and is not an error.
func (r *Reconciler) sweep(ctx context.Context) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, lockKey, r.cfg.Interval)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				r.logger.DebugContext(ctx, "sweep already running on another replica")
				return
			}
			r.logger.WarnContext(ctx, "sweep lock acquire failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	marked, unresolved, err := r.RunOnce(ctx, r.cfg.Grace)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconciliation sweep failed", slog.String("error", err.Error()))
		return
	}
	if marked > 0 || unresolved > 0 {
		r.logger.InfoContext(ctx, "reconciliation sweep finished",
			slog.Int("marked_failed", marked),
			slog.Int("still_unresolved", unresolved),
		)
	}
}

// RunOnce finds intents stuck PENDING past the grace period with no
// corresponding exchange order and marks them ORDER_FAILED with
// MISSING_EXCHANGE_ORDER. Intents that do match an exchange order are left
// untouched: they are still converging and only need another sync pass to
// attach the order id. It returns the number of intents marked failed and
// the number still unresolved after marking.
func (r *Reconciler) RunOnce(ctx context.Context, grace time.Duration) (marked, unresolved int, err error) {
	cutoff := r.now().UTC().Add(-grace)

	stale, err := r.intents.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile: list stale intents: %w", err)
	}

	for _, intent := range stale {
		found, err := r.matchExchangeOrder(ctx, intent)
		if err != nil {
			return marked, 0, err
		}
		if found {
			r.logger.DebugContext(ctx, "stale intent has a matching exchange order, leaving pending",
				slog.Int64("intent_id", intent.ID),
				slog.String("signal_id", intent.SignalID),
			)
			continue
		}

		if err := r.intents.MarkFailed(ctx, intent.ID, domain.ErrMsgMissingExchangeOrder); err != nil {
			return marked, 0, fmt.Errorf("reconcile: mark intent %d failed: %w", intent.ID, err)
		}
		marked++
		r.logger.WarnContext(ctx, "intent marked failed",
			slog.Int64("intent_id", intent.ID),
			slog.String("signal_id", intent.SignalID),
			slog.String("symbol", intent.Symbol),
			slog.String("error_message", domain.ErrMsgMissingExchangeOrder),
		)
	}

	// Re-query so the caller sees what remains ambiguous after this pass.
	remaining, err := r.intents.ListStalePending(ctx, cutoff)
	if err != nil {
		return marked, 0, fmt.Errorf("reconcile: recount stale intents: %w", err)
	}
	return marked, len(remaining), nil
}

// matchExchangeOrder looks for an exchange order by order id first, then by
// signal id.
func (r *Reconciler) matchExchangeOrder(ctx context.Context, intent domain.OrderIntent) (bool, error) {
	if intent.OrderID != "" {
		_, err := r.orders.GetByOrderID(ctx, intent.OrderID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("reconcile: lookup order %s: %w", intent.OrderID, err)
		}
	}

	_, err := r.orders.GetBySignalID(ctx, intent.SignalID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("reconcile: lookup order for signal %s: %w", intent.SignalID, err)
	}
	return false, nil
}
