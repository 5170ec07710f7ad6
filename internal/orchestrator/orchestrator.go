// Package orchestrator is the entry point for acting on a trading signal: it
// validates invariants, applies the risk guard, throttle, and event dedup,
// creates a durable order intent exactly once per signal, and hands off to
// order placement under retry and the exchange circuit breaker.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ccruz0/crypto-2.0-sub006/internal/dedup"
	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/invariant"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
	"github.com/ccruz0/crypto-2.0-sub006/internal/throttle"
)

// Reason codes surfaced in Outcome.Status alongside the intent statuses.
const (
	ReasonRiskGuardBlocked = "RISK_GUARD_BLOCKED"
	ReasonDedupKeyInTTL    = "DEDUP_KEY_IN_TTL"
	ReasonCircuitOpen      = "CIRCUIT_OPEN"
)

// OrderPlacer submits an order to the exchange. The client order ID carries
// the signal identity so the exchange order can later be matched back to its
// intent.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, sig domain.TradeSignal, clientOrderID string) (orderID string, err error)
}

// RiskGuard runs pre-trade risk checks. A blocked result is a deliberate
// no-op with a detail string, not an error.
type RiskGuard interface {
	Check(ctx context.Context, sig domain.TradeSignal) (blocked bool, detail string, err error)
}

// PositionChecker reports whether an open position exists for a symbol, used
// by the sell-requires-position invariant.
type PositionChecker interface {
	HasOpenPosition(ctx context.Context, symbol string) (bool, error)
}

// Notifier delivers operator notifications. Failures are never fatal to
// trade execution.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the orchestrator's tunables.
type Config struct {
	Throttle throttle.Config
	DedupTTL time.Duration
	Retry    retry.Policy
}

// Outcome reports how a signal was resolved. Throttle, dedup, invariant, and
// risk outcomes are values, never errors, so callers can branch without
// error inspection.
type Outcome struct {
	Status string
	Reason string
	Intent *domain.OrderIntent
}

// Orchestrator wires the core components around the intents table.
type Orchestrator struct {
	intents   domain.OrderIntentStore
	states    domain.ThrottleStateStore
	throttle  *throttle.Throttle
	dedup     *dedup.Store
	placer    OrderPlacer
	risk      RiskGuard
	positions PositionChecker
	breaker   *retry.CircuitBreaker
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Orchestrator. The breaker must be the exchange breaker; the
// notifier may be nil when notifications are disabled.
func New(
	intents domain.OrderIntentStore,
	states domain.ThrottleStateStore,
	th *throttle.Throttle,
	ds *dedup.Store,
	placer OrderPlacer,
	risk RiskGuard,
	positions PositionChecker,
	breaker *retry.CircuitBreaker,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		intents:   intents,
		states:    states,
		throttle:  th,
		dedup:     ds,
		placer:    placer,
		risk:      risk,
		positions: positions,
		breaker:   breaker,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// IdempotencyKey returns the signal-scoped idempotency key for an intent.
// The key deliberately contains no timestamp component: the same signal
// replayed an hour or a week later still collapses to the same intent. The
// symbol and message content do not participate either; (signal_id, side)
// alone identifies the intent.
func IdempotencyKey(signalID string, side domain.Side) string {
	return fmt.Sprintf("signal:%s:side:%s", signalID, side)
}

// CreateOrderIntent creates the durable PENDING intent for a signal exactly
// once. When an intent for (signal_id, side) already exists it returns
// (nil, DEDUP_SKIPPED) without creating a row or touching the exchange. The
// check-then-insert sequence is backstopped by the storage layer's unique
// constraint, so concurrent callers cannot produce two intents.
func (o *Orchestrator) CreateOrderIntent(ctx context.Context, sig domain.TradeSignal) (*domain.OrderIntent, domain.IntentStatus, error) {
	key := IdempotencyKey(sig.ID, sig.Side)
	log := o.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("idempotency_key", key),
	)

	existing, err := o.intents.GetBySignalSide(ctx, sig.ID, sig.Side)
	if err == nil {
		log.InfoContext(ctx, "order intent already exists, skipping",
			slog.String("status", string(existing.Status)),
		)
		return nil, domain.IntentDedupSkip, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, "", fmt.Errorf("orchestrator: lookup intent: %w", err)
	}

	intent, err := o.intents.Create(ctx, domain.OrderIntent{
		SignalID:      sig.ID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Status:        domain.IntentPending,
		CorrelationID: sig.CorrelationID,
		Message:       sig.Message,
		CreatedAt:     o.now().UTC(),
	})
	if err != nil {
		// Concurrent writer won the insert race; the unique constraint is
		// the authority.
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.InfoContext(ctx, "order intent lost insert race, skipping")
			return nil, domain.IntentDedupSkip, nil
		}
		return nil, "", fmt.Errorf("orchestrator: create intent: %w", err)
	}

	log.InfoContext(ctx, "order intent created", slog.Int64("intent_id", intent.ID))
	return &intent, domain.IntentPending, nil
}

// HandleSignal runs the full pipeline for one trading signal and returns how
// it was resolved. Only infrastructure problems surface as errors;
// validation, risk, throttle, and dedup rejections come back as Outcome
// statuses.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig domain.TradeSignal) (Outcome, error) {
	if sig.CorrelationID == "" {
		sig.CorrelationID = uuid.New().String()
	}
	now := o.now().UTC()

	log := o.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
		slog.String("correlation_id", sig.CorrelationID),
	)

	// 1. Invariants: caller-side logic errors surface before any side
	// effect, never retried.
	positionExists, err := o.positions.HasOpenPosition(ctx, sig.Symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: position lookup: %w", err)
	}
	qty := sig.Quantity
	px := sig.Price
	if f := invariant.ValidateTradingDecision(invariant.Decision{
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Quantity:       &qty,
		Price:          &px,
		PositionExists: positionExists,
		CorrelationID:  sig.CorrelationID,
	}); f != nil {
		log.WarnContext(ctx, "invariant violation",
			slog.String("reason", f.ReasonCode),
			slog.String("detail", f.Message),
		)
		return Outcome{Status: f.ReasonCode, Reason: f.Message}, nil
	}

	// 2. Risk guard.
	blocked, detail, err := o.risk.Check(ctx, sig)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: risk guard: %w", err)
	}
	if blocked {
		log.WarnContext(ctx, "signal blocked by risk guard", slog.String("detail", detail))
		return Outcome{Status: ReasonRiskGuardBlocked, Reason: detail}, nil
	}

	// 3. Throttle per (symbol, strategy_key, side).
	lastSame, err := o.loadState(ctx, sig.Symbol, sig.StrategyKey, sig.Side)
	if err != nil {
		return Outcome{}, err
	}
	lastOpposite, err := o.loadState(ctx, sig.Symbol, sig.StrategyKey, opposite(sig.Side))
	if err != nil {
		return Outcome{}, err
	}
	allowed, reason, err := o.throttle.ShouldEmit(ctx,
		sig.Symbol, sig.Side, sig.Price, now, o.cfg.Throttle, lastSame, lastOpposite, sig.StrategyKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: throttle: %w", err)
	}
	if !allowed {
		return Outcome{Status: reason, Reason: reason}, nil
	}

	// 4. Actionable-event dedup (time-bucketed layer).
	key := dedup.ComputeKeyFromContext(sig.Symbol, sig.Side, sig.StrategyKey, sig.Price, now)
	payload, _ := json.Marshal(map[string]string{
		"signal_id": sig.ID,
		"price":     sig.Price.String(),
		"quantity":  sig.Quantity.String(),
	})
	decision, _, err := o.dedup.CheckAndRecord(ctx,
		key, sig.CorrelationID, sig.Symbol, domain.DedupActionOrder, string(payload), o.cfg.DedupTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: dedup: %w", err)
	}
	if decision == domain.DedupDeduped {
		return Outcome{Status: ReasonDedupKeyInTTL, Reason: "duplicate actionable event within TTL"}, nil
	}

	// 5. The signal is being acted on: persist the throttle snapshot.
	if err := o.throttle.RecordEmission(ctx,
		sig.Symbol, sig.Side, sig.Price, now, "orchestrator", reason, sig.StrategyKey); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: %w", err)
	}

	// 6. Durable intent, exactly once per (signal_id, side).
	intent, status, err := o.CreateOrderIntent(ctx, sig)
	if err != nil {
		return Outcome{}, err
	}
	if status == domain.IntentDedupSkip {
		return Outcome{Status: string(domain.IntentDedupSkip), Reason: "intent already exists for signal"}, nil
	}

	// 7. Exchange placement under the breaker and bounded retry.
	outcome, err := o.placeOrder(ctx, sig, intent, log)
	if err != nil {
		return outcome, err
	}

	o.notify(ctx, "order_placed", fmt.Sprintf("%s %s", sig.Side, sig.Symbol),
		fmt.Sprintf("signal %s placed as order %s at %s", sig.ID, outcome.Intent.OrderID, sig.Price))
	return outcome, nil
}

// placeOrder submits the order and settles the intent row. A definitively
// rejected order (non-retryable) marks the intent ORDER_FAILED immediately;
// an ambiguous transient failure leaves it PENDING for the reconciler, since
// the exchange may have accepted the order even though the response was
// lost.
func (o *Orchestrator) placeOrder(ctx context.Context, sig domain.TradeSignal, intent *domain.OrderIntent, log *slog.Logger) (Outcome, error) {
	if !o.breaker.AllowCall() {
		log.WarnContext(ctx, "exchange circuit open, order not attempted")
		o.notify(ctx, "circuit_open", "exchange circuit open",
			fmt.Sprintf("signal %s %s %s not attempted, intent left pending", sig.ID, sig.Side, sig.Symbol))
		return Outcome{Status: ReasonCircuitOpen, Reason: "exchange circuit breaker open", Intent: intent},
			fmt.Errorf("orchestrator: place order: %w", domain.ErrCircuitOpen)
	}

	clientOrderID := IdempotencyKey(sig.ID, sig.Side)
	var orderID string
	err := retry.WithBackoff(ctx, o.cfg.Retry, func(ctx context.Context) error {
		var placeErr error
		orderID, placeErr = o.placer.PlaceOrder(ctx, sig, clientOrderID)
		return placeErr
	})
	if err != nil {
		o.breaker.RecordFailure()
		o.notify(ctx, "order_failed", "order placement failed",
			fmt.Sprintf("signal %s %s %s: %v", sig.ID, sig.Side, sig.Symbol, err))

		// Cancellation and deadline expiry are as ambiguous as a transient
		// failure: the request may have reached the exchange before the
		// caller gave up, so they never settle the intent as failed here.
		if !retry.IsRetryable(err, 0) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			if markErr := o.intents.MarkFailed(ctx, intent.ID, err.Error()); markErr != nil {
				log.ErrorContext(ctx, "failed to mark intent failed", slog.String("error", markErr.Error()))
			} else {
				intent.Status = domain.IntentOrderFailed
				intent.ErrorMessage = err.Error()
			}
			return Outcome{Status: string(domain.IntentOrderFailed), Reason: err.Error(), Intent: intent},
				fmt.Errorf("orchestrator: place order: %w", err)
		}

		// Ambiguous: the order may exist on the exchange. Leave PENDING and
		// let reconciliation settle it.
		log.WarnContext(ctx, "order placement unresolved, intent left pending",
			slog.Int64("intent_id", intent.ID),
			slog.String("error", err.Error()),
		)
		return Outcome{Status: string(domain.IntentPending), Reason: err.Error(), Intent: intent},
			fmt.Errorf("orchestrator: place order: %w", err)
	}

	o.breaker.RecordSuccess()
	if err := o.intents.MarkFilled(ctx, intent.ID, orderID); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: mark intent filled: %w", err)
	}
	intent.Status = domain.IntentFilled
	intent.OrderID = orderID

	log.InfoContext(ctx, "order placed",
		slog.Int64("intent_id", intent.ID),
		slog.String("order_id", orderID),
	)
	return Outcome{Status: string(domain.IntentFilled), Intent: intent}, nil
}

func (o *Orchestrator) loadState(ctx context.Context, symbol, strategyKey string, side domain.Side) (*domain.ThrottleState, error) {
	st, err := o.states.Get(ctx, symbol, strategyKey, side)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("orchestrator: load throttle state: %w", err)
	}
	return &st, nil
}

func (o *Orchestrator) notify(ctx context.Context, event, title, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, event, title, message); err != nil {
		o.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func opposite(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}
