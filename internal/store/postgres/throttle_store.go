package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// ThrottleStateStore persists per (symbol, strategy, side) emission state.
type ThrottleStateStore struct {
	pool *pgxpool.Pool
}

// NewThrottleStateStore creates a ThrottleStateStore backed by the given client.
func NewThrottleStateStore(client *Client) *ThrottleStateStore {
	return &ThrottleStateStore{pool: client.Pool()}
}

var _ domain.ThrottleStateStore = (*ThrottleStateStore)(nil)

// Get returns the throttle state for a (symbol, strategy, side) triple, or
// domain.ErrNotFound when no signal has been recorded for it yet.
func (s *ThrottleStateStore) Get(ctx context.Context, symbol, strategyKey string, side domain.Side) (domain.ThrottleState, error) {
	const query = `
		SELECT symbol, strategy_key, side, last_price::text, previous_price::text,
		       last_time, last_source, emit_reason, force_next_signal, updated_at
		FROM signal_throttle_state
		WHERE symbol = $1 AND strategy_key = $2 AND side = $3`

	var (
		st            domain.ThrottleState
		lastPrice     string
		previousPrice *string
	)
	err := s.pool.QueryRow(ctx, query, symbol, strategyKey, string(side)).Scan(
		&st.Symbol, &st.StrategyKey, &st.Side, &lastPrice, &previousPrice,
		&st.LastTime, &st.LastSource, &st.EmitReason, &st.ForceNextSignal, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ThrottleState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ThrottleState{}, fmt.Errorf("postgres: get throttle state: %w", err)
	}

	st.LastPrice, err = decimal.NewFromString(lastPrice)
	if err != nil {
		return domain.ThrottleState{}, fmt.Errorf("postgres: parse last_price: %w", err)
	}
	if previousPrice != nil {
		prev, err := decimal.NewFromString(*previousPrice)
		if err != nil {
			return domain.ThrottleState{}, fmt.Errorf("postgres: parse previous_price: %w", err)
		}
		st.PreviousPrice = &prev
	}
	return st, nil
}

// Upsert inserts or replaces the state row for the triple in st.
func (s *ThrottleStateStore) Upsert(ctx context.Context, st domain.ThrottleState) error {
	const query = `
		INSERT INTO signal_throttle_state
			(symbol, strategy_key, side, last_price, previous_price, last_time,
			 last_source, emit_reason, force_next_signal, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, strategy_key, side) DO UPDATE SET
			last_price        = EXCLUDED.last_price,
			previous_price    = EXCLUDED.previous_price,
			last_time         = EXCLUDED.last_time,
			last_source       = EXCLUDED.last_source,
			emit_reason       = EXCLUDED.emit_reason,
			force_next_signal = EXCLUDED.force_next_signal,
			updated_at        = EXCLUDED.updated_at`

	var previousPrice *string
	if st.PreviousPrice != nil {
		v := st.PreviousPrice.String()
		previousPrice = &v
	}

	_, err := s.pool.Exec(ctx, query,
		st.Symbol, st.StrategyKey, string(st.Side), st.LastPrice.String(), previousPrice,
		st.LastTime, st.LastSource, st.EmitReason, st.ForceNextSignal, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert throttle state: %w", err)
	}
	return nil
}

// SetForce sets the force flag on an existing state row. Setting the flag on
// a triple without state is a no-op, the first signal passes anyway.
func (s *ThrottleStateStore) SetForce(ctx context.Context, symbol, strategyKey string, side domain.Side, force bool) error {
	const query = `
		UPDATE signal_throttle_state
		SET force_next_signal = $4, updated_at = NOW()
		WHERE symbol = $1 AND strategy_key = $2 AND side = $3`

	if _, err := s.pool.Exec(ctx, query, symbol, strategyKey, string(side), force); err != nil {
		return fmt.Errorf("postgres: set force flag: %w", err)
	}
	return nil
}

// ClearForce clears the force flag for the triple.
func (s *ThrottleStateStore) ClearForce(ctx context.Context, symbol, strategyKey string, side domain.Side) error {
	return s.SetForce(ctx, symbol, strategyKey, side, false)
}
