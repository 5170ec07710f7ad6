// Package domain defines the core types, sentinel errors, and store
// interfaces shared by every layer of the trading bot. It has no dependencies
// on persistence or transport packages.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade signal or order. The contract is
// case-sensitive: callers must normalize upstream.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is exactly BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeSignal is a computed BUY/SELL recommendation for a symbol, produced by
// indicator logic outside this core and handed to the orchestrator.
type TradeSignal struct {
	ID            string // stable signal identity, NOT a timestamp bucket
	Symbol        string
	Side          Side
	StrategyKey   string
	Timeframe     string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Message       string
	CorrelationID string
	CreatedAt     time.Time
}
