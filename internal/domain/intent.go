package domain

import "time"

// IntentStatus is the lifecycle state of an order intent.
//
// PENDING transitions to FILLED when a matching exchange order is observed,
// or to ORDER_FAILED when reconciliation determines no exchange order will
// ever appear. DEDUP_SKIPPED is a non-row outcome returned to callers when an
// intent for the same (signal_id, side) already exists; it is never stored.
type IntentStatus string

const (
	IntentPending     IntentStatus = "PENDING"
	IntentFilled      IntentStatus = "FILLED"
	IntentOrderFailed IntentStatus = "ORDER_FAILED"
	IntentDedupSkip   IntentStatus = "DEDUP_SKIPPED"
)

// ErrMsgMissingExchangeOrder is written by the reconciler when a stale
// PENDING intent has no matching exchange order. Downstream alerting matches
// on this literal string.
const ErrMsgMissingExchangeOrder = "MISSING_EXCHANGE_ORDER"

// OrderIntent is a durable record that a signal has been accepted for order
// placement, created before the exchange confirms anything. One row per
// (signal_id, side); the idempotency key signal:{signal_id}:side:{side}
// carries no timestamp component, so duplicate deliveries of the same signal
// collapse to one intent no matter how much time elapses between them.
type OrderIntent struct {
	ID            int64
	SignalID      string
	Symbol        string
	Side          Side
	Status        IntentStatus
	OrderID       string // set once the exchange confirms
	ErrorMessage  string
	CorrelationID string
	Message       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
