package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ThrottleState is the persisted snapshot of the last allowed signal emission
// for one (symbol, strategy_key, side) triple. At most one row exists per
// triple.
type ThrottleState struct {
	Symbol          string
	StrategyKey     string
	Side            Side
	LastPrice       decimal.Decimal
	PreviousPrice   *decimal.Decimal
	LastTime        time.Time
	LastSource      string
	EmitReason      string
	ForceNextSignal bool
	UpdatedAt       time.Time
}
