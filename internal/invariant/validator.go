// Package invariant provides pure, side-effect-free checks that a prospective
// trade decision is sane before any side effect is attempted. Outcomes are
// returned as values, never errors: a nil *Failure means the check passed.
package invariant

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// Reason codes carried by Failure. Logs and downstream alerting match on
// these literal strings.
const (
	ReasonInvalidSymbol        = "INVALID_SYMBOL"
	ReasonInvalidSide          = "INVALID_SIDE"
	ReasonInvalidQuantity      = "INVALID_QUANTITY"
	ReasonInvalidPrice         = "INVALID_PRICE"
	ReasonTPSLRequiresFill     = "TP_SL_REQUIRES_FILL"
	ReasonSellRequiresPosition = "SELL_REQUIRES_POSITION"
)

// Failure describes a single failed invariant check.
type Failure struct {
	ReasonCode    string
	Message       string
	Symbol        string
	CorrelationID string
}

func fail(reason, symbol, correlationID, format string, args ...any) *Failure {
	return &Failure{
		ReasonCode:    reason,
		Message:       fmt.Sprintf(format, args...),
		Symbol:        symbol,
		CorrelationID: correlationID,
	}
}

// ValidateSymbolAndSide checks that symbol is non-blank and side is exactly
// BUY or SELL. The side contract is case-sensitive; callers normalize
// upstream.
func ValidateSymbolAndSide(symbol string, side domain.Side, correlationID string) *Failure {
	if strings.TrimSpace(symbol) == "" {
		return fail(ReasonInvalidSymbol, symbol, correlationID, "symbol is empty")
	}
	if !side.Valid() {
		return fail(ReasonInvalidSide, symbol, correlationID, "side %q is not BUY or SELL", side)
	}
	return nil
}

// ValidateQuantity checks that quantity is present and strictly positive.
func ValidateQuantity(quantity *decimal.Decimal, symbol, correlationID string) *Failure {
	if quantity == nil {
		return fail(ReasonInvalidQuantity, symbol, correlationID, "quantity is missing")
	}
	if quantity.Sign() <= 0 {
		return fail(ReasonInvalidQuantity, symbol, correlationID, "quantity %s is not positive", quantity)
	}
	return nil
}

// ValidatePriceFormat checks that price is a positive number. A nil price is
// accepted when allowNone is true (market orders).
func ValidatePriceFormat(price *decimal.Decimal, symbol, correlationID string, allowNone bool) *Failure {
	if price == nil {
		if allowNone {
			return nil
		}
		return fail(ReasonInvalidPrice, symbol, correlationID, "price is missing")
	}
	if price.Sign() <= 0 {
		return fail(ReasonInvalidPrice, symbol, correlationID, "price %s is not positive", price)
	}
	return nil
}

// ValidateTPSLRequiresFill rejects a stop-loss/take-profit request when the
// fill price or fill quantity is unknown: a protective order cannot be sized
// without knowing what was actually filled.
func ValidateTPSLRequiresFill(tpSLRequested bool, fillPrice, fillQuantity *decimal.Decimal, symbol, correlationID string) *Failure {
	if !tpSLRequested {
		return nil
	}
	if fillPrice == nil || fillQuantity == nil {
		return fail(ReasonTPSLRequiresFill, symbol, correlationID,
			"tp/sl requested without fill price and quantity")
	}
	return nil
}

// ValidateSellPositionExists rejects a SELL when the caller asserts no open
// position exists. BUY side is exempt.
func ValidateSellPositionExists(side domain.Side, positionExists bool, symbol, correlationID string) *Failure {
	if side == domain.SideSell && !positionExists {
		return fail(ReasonSellRequiresPosition, symbol, correlationID,
			"sell requested with no open position")
	}
	return nil
}

// Decision bundles the inputs of a full pre-trade validation.
type Decision struct {
	Symbol         string
	Side           domain.Side
	Quantity       *decimal.Decimal
	Price          *decimal.Decimal
	AllowNilPrice  bool
	TPSLRequested  bool
	FillPrice      *decimal.Decimal
	FillQuantity   *decimal.Decimal
	PositionExists bool
	CorrelationID  string
}

// ValidateTradingDecision composes all checks in a fixed order and returns
// the first failure encountered. Failures are not aggregated.
func ValidateTradingDecision(d Decision) *Failure {
	if f := ValidateSymbolAndSide(d.Symbol, d.Side, d.CorrelationID); f != nil {
		return f
	}
	if f := ValidateQuantity(d.Quantity, d.Symbol, d.CorrelationID); f != nil {
		return f
	}
	if f := ValidatePriceFormat(d.Price, d.Symbol, d.CorrelationID, d.AllowNilPrice); f != nil {
		return f
	}
	if f := ValidateTPSLRequiresFill(d.TPSLRequested, d.FillPrice, d.FillQuantity, d.Symbol, d.CorrelationID); f != nil {
		return f
	}
	if f := ValidateSellPositionExists(d.Side, d.PositionExists, d.Symbol, d.CorrelationID); f != nil {
		return f
	}
	return nil
}
