package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// GuardConfig holds the pre-trade risk limits.
type GuardConfig struct {
	MaxOpenIntentsPerSymbol int64
	MaxOrderNotional        decimal.Decimal
}

// Guard is the default RiskGuard: it caps concurrently open intents per
// symbol and the notional value of a single order.
type Guard struct {
	intents domain.OrderIntentStore
	cfg     GuardConfig
	logger  *slog.Logger
}

// NewGuard creates a Guard with the given limits.
func NewGuard(intents domain.OrderIntentStore, cfg GuardConfig, logger *slog.Logger) *Guard {
	return &Guard{
		intents: intents,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "risk_guard")),
	}
}

// Check runs the risk checks and reports the first that blocks.
func (g *Guard) Check(ctx context.Context, sig domain.TradeSignal) (bool, string, error) {
	if g.cfg.MaxOpenIntentsPerSymbol > 0 {
		open, err := g.intents.CountOpenBySymbol(ctx, sig.Symbol)
		if err != nil {
			return false, "", fmt.Errorf("risk_guard: count open intents: %w", err)
		}
		if open >= g.cfg.MaxOpenIntentsPerSymbol {
			detail := fmt.Sprintf("open intents for %s at limit (%d/%d)",
				sig.Symbol, open, g.cfg.MaxOpenIntentsPerSymbol)
			g.logger.WarnContext(ctx, "risk guard blocked signal",
				slog.String("symbol", sig.Symbol),
				slog.Int64("open", open),
			)
			return true, detail, nil
		}
	}

	if g.cfg.MaxOrderNotional.Sign() > 0 {
		notional := sig.Price.Mul(sig.Quantity)
		if notional.GreaterThan(g.cfg.MaxOrderNotional) {
			detail := fmt.Sprintf("order notional %s exceeds max %s",
				notional, g.cfg.MaxOrderNotional)
			g.logger.WarnContext(ctx, "risk guard blocked signal",
				slog.String("symbol", sig.Symbol),
				slog.String("notional", notional.String()),
			)
			return true, detail, nil
		}
	}

	return false, "", nil
}

// Compile-time interface check.
var _ RiskGuard = (*Guard)(nil)
