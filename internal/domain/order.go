package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeOrderStatus mirrors the order states reported by the exchange.
type ExchangeOrderStatus string

const (
	ExchangeOrderNew      ExchangeOrderStatus = "NEW"
	ExchangeOrderActive   ExchangeOrderStatus = "ACTIVE"
	ExchangeOrderFilled   ExchangeOrderStatus = "FILLED"
	ExchangeOrderCanceled ExchangeOrderStatus = "CANCELED"
	ExchangeOrderRejected ExchangeOrderStatus = "REJECTED"
	ExchangeOrderExpired  ExchangeOrderStatus = "EXPIRED"
)

// ExchangeOrder is the local read model of an order as last reported by the
// exchange, kept fresh by the websocket feed and the periodic REST sync. The
// reconciler consults it read-only when resolving stale intents.
type ExchangeOrder struct {
	OrderID       string
	ClientOrderID string // carries the originating signal id
	SignalID      string
	Symbol        string
	Side          Side
	Status        ExchangeOrderStatus
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledPrice   *decimal.Decimal
	FilledQty     *decimal.Decimal
	ExchangeTime  time.Time
	SyncedAt      time.Time
}

// Terminal reports whether the exchange will never change this order again.
func (o ExchangeOrder) Terminal() bool {
	switch o.Status {
	case ExchangeOrderFilled, ExchangeOrderCanceled, ExchangeOrderRejected, ExchangeOrderExpired:
		return true
	default:
		return false
	}
}
