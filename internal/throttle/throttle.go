// Package throttle rate-limits signal emission per (symbol, strategy_key,
// side). A signal of a given side may only be re-emitted once a minimum time
// gap AND a minimum price change have both passed since the last emission of
// that same side.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// Reason codes for throttled outcomes. Downstream alerting matches on these
// literal strings.
const (
	ReasonTimeGate    = "THROTTLED_TIME_GATE"
	ReasonPriceGate   = "THROTTLED_PRICE_GATE"
	ReasonForced      = "IMMEDIATE_ALERT_AFTER_CONFIG_CHANGE"
	ReasonFirstSignal = "No previous same-side signal"
)

// Config holds the gating parameters for one strategy.
type Config struct {
	MinPriceChangePct decimal.Decimal
	MinInterval       time.Duration
}

// Throttle evaluates and records signal emissions. Force-flag consumption is
// delegated to the state store so the clear is atomic.
type Throttle struct {
	states domain.ThrottleStateStore
	logger *slog.Logger
}

// New creates a Throttle backed by the given state store.
func New(states domain.ThrottleStateStore, logger *slog.Logger) *Throttle {
	return &Throttle{
		states: states,
		logger: logger.With(slog.String("component", "signal_throttle")),
	}
}

// ShouldEmit decides whether a signal may be emitted now.
//
// Gate order is fixed: force flag, then time gate, then price gate. The time
// gate is checked strictly before the price gate so a fast, large price move
// inside the cooldown window is still blocked. Each side is throttled
// independently; lastOppositeSide is accepted but not consulted (reserved for
// a future opposite-side cooldown).
func (t *Throttle) ShouldEmit(
	ctx context.Context,
	symbol string,
	side domain.Side,
	currentPrice decimal.Decimal,
	currentTime time.Time,
	cfg Config,
	lastSameSide *domain.ThrottleState,
	lastOppositeSide *domain.ThrottleState,
	strategyKey string,
) (bool, string, error) {
	_ = lastOppositeSide

	log := t.logger.With(
		slog.String("symbol", symbol),
		slog.String("strategy_key", strategyKey),
		slog.String("side", string(side)),
	)

	// 1. First-ever emission for this triple.
	if lastSameSide == nil {
		log.InfoContext(ctx, "signal allowed", slog.String("reason", ReasonFirstSignal))
		return true, ReasonFirstSignal, nil
	}

	// 2. Escape hatch: a configuration change forced the next signal
	// through. The flag is consumed exactly once.
	if lastSameSide.ForceNextSignal {
		if err := t.states.ClearForce(ctx, symbol, strategyKey, side); err != nil {
			return false, "", fmt.Errorf("throttle: clear force flag: %w", err)
		}
		log.InfoContext(ctx, "signal allowed", slog.String("reason", ReasonForced))
		return true, ReasonForced, nil
	}

	// 3. Time gate.
	elapsed := currentTime.Sub(lastSameSide.LastTime)
	if elapsed < cfg.MinInterval {
		log.InfoContext(ctx, "signal throttled",
			slog.String("reason", ReasonTimeGate),
			slog.Duration("elapsed", elapsed),
			slog.Duration("min_interval", cfg.MinInterval),
		)
		return false, ReasonTimeGate, nil
	}

	// 4. Price gate.
	changePct, err := priceChangePct(currentPrice, lastSameSide.LastPrice)
	if err != nil {
		return false, "", fmt.Errorf("throttle: price change: %w", err)
	}
	if changePct.LessThan(cfg.MinPriceChangePct) {
		log.InfoContext(ctx, "signal throttled",
			slog.String("reason", ReasonPriceGate),
			slog.String("change_pct", changePct.StringFixed(4)),
			slog.String("min_pct", cfg.MinPriceChangePct.String()),
		)
		return false, ReasonPriceGate, nil
	}

	reason := fmt.Sprintf("Allowed: Δt=%s, Δprice=%s%% since last %s signal",
		elapsed.Round(time.Second), changePct.StringFixed(4), side)
	log.InfoContext(ctx, "signal allowed", slog.String("reason", reason))
	return true, reason, nil
}

// RecordEmission persists the snapshot of an allowed emission, shifting the
// previous price and clearing any stale force flag.
func (t *Throttle) RecordEmission(
	ctx context.Context,
	symbol string,
	side domain.Side,
	price decimal.Decimal,
	at time.Time,
	source, emitReason, strategyKey string,
) error {
	st := domain.ThrottleState{
		Symbol:          symbol,
		StrategyKey:     strategyKey,
		Side:            side,
		LastPrice:       price,
		LastTime:        at,
		LastSource:      source,
		EmitReason:      emitReason,
		ForceNextSignal: false,
	}

	prev, err := t.states.Get(ctx, symbol, strategyKey, side)
	switch {
	case err == nil:
		p := prev.LastPrice
		st.PreviousPrice = &p
	case errors.Is(err, domain.ErrNotFound):
		// first emission, no previous price
	default:
		return fmt.Errorf("throttle: load previous state: %w", err)
	}

	if err := t.states.Upsert(ctx, st); err != nil {
		return fmt.Errorf("throttle: record emission: %w", err)
	}
	return nil
}

// ForceNext flags the next signal of the triple to bypass both gates. Called
// on configuration changes so operators are not stuck waiting out a cooldown
// computed under the old parameters.
func (t *Throttle) ForceNext(ctx context.Context, symbol, strategyKey string, side domain.Side) error {
	if err := t.states.SetForce(ctx, symbol, strategyKey, side, true); err != nil {
		return fmt.Errorf("throttle: set force flag: %w", err)
	}
	return nil
}

// priceChangePct returns |current-last|/last*100.
func priceChangePct(current, last decimal.Decimal) (decimal.Decimal, error) {
	if last.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("last price is zero")
	}
	return current.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100)), nil
}
