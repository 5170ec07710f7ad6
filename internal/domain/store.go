package domain

import (
	"context"
	"time"
)

// ThrottleStateStore persists per-(symbol, strategy_key, side) emission
// snapshots.
type ThrottleStateStore interface {
	Get(ctx context.Context, symbol, strategyKey string, side Side) (ThrottleState, error)
	Upsert(ctx context.Context, st ThrottleState) error
	// SetForce flips the force_next_signal flag, typically on a
	// configuration change.
	SetForce(ctx context.Context, symbol, strategyKey string, side Side, force bool) error
	// ClearForce atomically clears force_next_signal so the escape hatch is
	// consumed exactly once.
	ClearForce(ctx context.Context, symbol, strategyKey string, side Side) error
}

// DedupOutcome is the result of the atomic insert-or-refresh primitive.
type DedupOutcome int

const (
	DedupInserted  DedupOutcome = iota // no prior row, event recorded
	DedupRefreshed                     // prior row past TTL, refreshed in place
	DedupRejected                      // prior row still within TTL
)

// DedupEventStore persists actionable-event fingerprints. InsertOrRefresh
// must be atomic against concurrent writers for the same key: either the
// insert wins, or the existing row is refreshed only when its created_at is
// at or before staleBefore, or the call is rejected.
type DedupEventStore interface {
	InsertOrRefresh(ctx context.Context, ev DedupEvent, staleBefore time.Time) (DedupOutcome, error)
	Get(ctx context.Context, key string) (DedupEvent, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// OrderIntentStore persists order intents. Create must return
// ErrAlreadyExists when a row for (signal_id, side) already exists; the
// uniqueness guarantee lives in the storage layer, not application code.
type OrderIntentStore interface {
	Create(ctx context.Context, intent OrderIntent) (OrderIntent, error)
	GetBySignalSide(ctx context.Context, signalID string, side Side) (OrderIntent, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]OrderIntent, error)
	MarkFilled(ctx context.Context, id int64, orderID string) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	AttachOrderID(ctx context.Context, id int64, orderID string) error
	CountPending(ctx context.Context) (int64, error)
	CountOpenBySymbol(ctx context.Context, symbol string) (int64, error)
}

// ExchangeOrderStore persists the local read model of exchange orders.
type ExchangeOrderStore interface {
	Upsert(ctx context.Context, o ExchangeOrder) error
	GetByOrderID(ctx context.Context, orderID string) (ExchangeOrder, error)
	GetBySignalID(ctx context.Context, signalID string) (ExchangeOrder, error)
}

// LockManager provides distributed locks so periodic sweeps run on exactly
// one replica at a time.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld when the
	// lock is already held by another party.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter limits how often an action keyed by a string may run.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
