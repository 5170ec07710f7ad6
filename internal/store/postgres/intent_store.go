package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// OrderIntentStore persists order intents with a unique (signal_id, side)
// constraint so one signal can never produce two intents for the same side.
type OrderIntentStore struct {
	pool *pgxpool.Pool
}

// NewOrderIntentStore creates an OrderIntentStore backed by the given client.
func NewOrderIntentStore(client *Client) *OrderIntentStore {
	return &OrderIntentStore{pool: client.Pool()}
}

var _ domain.OrderIntentStore = (*OrderIntentStore)(nil)

const intentColumns = `id, signal_id, symbol, side, status, order_id,
	error_message, correlation_id, message, created_at, updated_at`

func scanIntent(row pgx.Row) (domain.OrderIntent, error) {
	var in domain.OrderIntent
	err := row.Scan(
		&in.ID, &in.SignalID, &in.Symbol, &in.Side, &in.Status, &in.OrderID,
		&in.ErrorMessage, &in.CorrelationID, &in.Message, &in.CreatedAt, &in.UpdatedAt,
	)
	return in, err
}

// Create inserts a new intent. When an intent already exists for the signal
// and side, it returns domain.ErrAlreadyExists and the stored row is left
// untouched.
func (s *OrderIntentStore) Create(ctx context.Context, in domain.OrderIntent) (domain.OrderIntent, error) {
	const query = `
		INSERT INTO order_intents
			(signal_id, symbol, side, status, order_id, error_message,
			 correlation_id, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signal_id, side) DO NOTHING
		RETURNING ` + intentColumns

	created, err := scanIntent(s.pool.QueryRow(ctx, query,
		in.SignalID, in.Symbol, string(in.Side), string(in.Status), in.OrderID,
		in.ErrorMessage, in.CorrelationID, in.Message, in.CreatedAt, in.UpdatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderIntent{}, domain.ErrAlreadyExists
	}
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("postgres: create order intent: %w", err)
	}
	return created, nil
}

// GetBySignalSide returns the intent for a signal and side, or
// domain.ErrNotFound.
func (s *OrderIntentStore) GetBySignalSide(ctx context.Context, signalID string, side domain.Side) (domain.OrderIntent, error) {
	const query = `
		SELECT ` + intentColumns + `
		FROM order_intents
		WHERE signal_id = $1 AND side = $2`

	in, err := scanIntent(s.pool.QueryRow(ctx, query, signalID, string(side)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderIntent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("postgres: get order intent: %w", err)
	}
	return in, nil
}

// ListStalePending returns PENDING intents created at or before olderThan,
// oldest first.
func (s *OrderIntentStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]domain.OrderIntent, error) {
	const query = `
		SELECT ` + intentColumns + `
		FROM order_intents
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, string(domain.IntentPending), olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale pending intents: %w", err)
	}
	defer rows.Close()

	var intents []domain.OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order intent: %w", err)
		}
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate order intents: %w", err)
	}
	return intents, nil
}

// MarkFilled transitions an intent to FILLED and records the exchange order id.
func (s *OrderIntentStore) MarkFilled(ctx context.Context, id int64, orderID string) error {
	return s.update(ctx, id, `
		UPDATE order_intents
		SET status = $2, order_id = $3, error_message = '', updated_at = NOW()
		WHERE id = $1`,
		string(domain.IntentFilled), orderID)
}

// MarkFailed transitions an intent to ORDER_FAILED with an error message.
func (s *OrderIntentStore) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	return s.update(ctx, id, `
		UPDATE order_intents
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`,
		string(domain.IntentOrderFailed), errorMessage)
}

// AttachOrderID records the exchange order id on an intent without changing
// its status.
func (s *OrderIntentStore) AttachOrderID(ctx context.Context, id int64, orderID string) error {
	return s.update(ctx, id, `
		UPDATE order_intents
		SET order_id = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID)
}

func (s *OrderIntentStore) update(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("postgres: update order intent %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountPending returns the number of PENDING intents.
func (s *OrderIntentStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM order_intents WHERE status = $1",
		string(domain.IntentPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending intents: %w", err)
	}
	return n, nil
}

// CountOpenBySymbol returns the number of PENDING intents for a symbol.
func (s *OrderIntentStore) CountOpenBySymbol(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM order_intents WHERE symbol = $1 AND status = $2",
		symbol, string(domain.IntentPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count open intents for %s: %w", symbol, err)
	}
	return n, nil
}
