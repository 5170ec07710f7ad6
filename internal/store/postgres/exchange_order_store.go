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

// ExchangeOrderStore mirrors order state reported by the exchange, fed by
// the user-order websocket stream and the REST sync sweep.
type ExchangeOrderStore struct {
	pool *pgxpool.Pool
}

// NewExchangeOrderStore creates an ExchangeOrderStore backed by the given client.
func NewExchangeOrderStore(client *Client) *ExchangeOrderStore {
	return &ExchangeOrderStore{pool: client.Pool()}
}

var _ domain.ExchangeOrderStore = (*ExchangeOrderStore)(nil)

// Upsert inserts or replaces the mirrored row for an exchange order id.
func (s *ExchangeOrderStore) Upsert(ctx context.Context, o domain.ExchangeOrder) error {
	const query = `
		INSERT INTO exchange_orders
			(order_id, client_order_id, signal_id, symbol, side, status,
			 price, quantity, filled_price, filled_qty, exchange_time, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			client_order_id = EXCLUDED.client_order_id,
			signal_id       = EXCLUDED.signal_id,
			symbol          = EXCLUDED.symbol,
			side            = EXCLUDED.side,
			status          = EXCLUDED.status,
			price           = EXCLUDED.price,
			quantity        = EXCLUDED.quantity,
			filled_price    = EXCLUDED.filled_price,
			filled_qty      = EXCLUDED.filled_qty,
			exchange_time   = EXCLUDED.exchange_time,
			synced_at       = EXCLUDED.synced_at`

	_, err := s.pool.Exec(ctx, query,
		o.OrderID, o.ClientOrderID, o.SignalID, o.Symbol, string(o.Side), string(o.Status),
		o.Price.String(), o.Quantity.String(),
		decimalPtrString(o.FilledPrice), decimalPtrString(o.FilledQty),
		o.ExchangeTime, o.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert exchange order: %w", err)
	}
	return nil
}

// GetByOrderID returns the mirrored order, or domain.ErrNotFound.
func (s *ExchangeOrderStore) GetByOrderID(ctx context.Context, orderID string) (domain.ExchangeOrder, error) {
	const query = exchangeOrderSelect + ` WHERE order_id = $1`
	return s.getOne(ctx, query, orderID)
}

// GetBySignalID returns the most recently reported order for a signal, or
// domain.ErrNotFound.
func (s *ExchangeOrderStore) GetBySignalID(ctx context.Context, signalID string) (domain.ExchangeOrder, error) {
	const query = exchangeOrderSelect + `
		WHERE signal_id = $1
		ORDER BY exchange_time DESC
		LIMIT 1`
	return s.getOne(ctx, query, signalID)
}

const exchangeOrderSelect = `
	SELECT order_id, client_order_id, signal_id, symbol, side, status,
	       price::text, quantity::text, filled_price::text, filled_qty::text,
	       exchange_time, synced_at
	FROM exchange_orders`

func (s *ExchangeOrderStore) getOne(ctx context.Context, query string, arg any) (domain.ExchangeOrder, error) {
	var (
		o           domain.ExchangeOrder
		price       string
		quantity    string
		filledPrice *string
		filledQty   *string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&o.OrderID, &o.ClientOrderID, &o.SignalID, &o.Symbol, &o.Side, &o.Status,
		&price, &quantity, &filledPrice, &filledQty,
		&o.ExchangeTime, &o.SyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExchangeOrder{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("postgres: get exchange order: %w", err)
	}

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("postgres: parse price: %w", err)
	}
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("postgres: parse quantity: %w", err)
	}
	if o.FilledPrice, err = parseDecimalPtr(filledPrice); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("postgres: parse filled_price: %w", err)
	}
	if o.FilledQty, err = parseDecimalPtr(filledQty); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("postgres: parse filled_qty: %w", err)
	}
	return o, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
