// Package service holds the periodic background jobs: the REST order sync
// sweep and the health reporter.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
)

// ExchangeReader is the slice of the exchange client the sync sweep needs.
type ExchangeReader interface {
	ListOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error)
	GetOrderHistory(ctx context.Context, symbol string, lookback time.Duration) ([]domain.ExchangeOrder, error)
}

// OrderSync periodically pulls open orders over REST and reconciles the
// local mirror, covering updates the websocket stream missed while down.
// Sweeps share the exchange circuit breaker with order placement.
type OrderSync struct {
	exchange ExchangeReader
	orders   domain.ExchangeOrderStore
	intents  domain.OrderIntentStore
	breaker  *retry.CircuitBreaker
	interval time.Duration
	logger   *slog.Logger
}

// NewOrderSync creates an OrderSync running every interval.
func NewOrderSync(exchange ExchangeReader, orders domain.ExchangeOrderStore, intents domain.OrderIntentStore, breaker *retry.CircuitBreaker, interval time.Duration, logger *slog.Logger) *OrderSync {
	return &OrderSync{
		exchange: exchange,
		orders:   orders,
		intents:  intents,
		breaker:  breaker,
		interval: interval,
		logger:   logger.With(slog.String("component", "order_sync")),
	}
}

// Run sweeps on a ticker until ctx is done.
func (s *OrderSync) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("order sync sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep fetches open orders plus recently updated history and persists them,
// linking each order that carries a signal id back to its intent. History
// catches fills and cancels that happened while the websocket was down.
func (s *OrderSync) Sweep(ctx context.Context) error {
	if !s.breaker.AllowCall() {
		s.logger.Warn("skipping sweep, exchange circuit open")
		return nil
	}

	orders, err := s.exchange.ListOpenOrders(ctx, "")
	if err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("service: list open orders: %w", err)
	}
	s.breaker.RecordSuccess()

	history, err := s.exchange.GetOrderHistory(ctx, "", 2*s.interval)
	if err != nil {
		s.logger.Warn("order history lookup failed, syncing open orders only",
			slog.String("error", err.Error()))
	} else {
		orders = append(orders, history...)
	}

	var synced int
	for _, order := range orders {
		if err := s.orders.Upsert(ctx, order); err != nil {
			s.logger.Error("persist synced order failed",
				slog.String("order_id", order.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		synced++

		if order.SignalID != "" {
			s.linkIntent(ctx, order)
		}
	}

	s.logger.Debug("order sync sweep complete", slog.Int("synced", synced))
	return nil
}

func (s *OrderSync) linkIntent(ctx context.Context, order domain.ExchangeOrder) {
	intent, err := s.intents.GetBySignalSide(ctx, order.SignalID, order.Side)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("lookup intent for synced order failed",
			slog.String("signal_id", order.SignalID),
			slog.String("error", err.Error()))
		return
	}
	if intent.OrderID != "" || intent.Status != domain.IntentPending {
		return
	}

	if err := s.intents.AttachOrderID(ctx, intent.ID, order.OrderID); err != nil {
		s.logger.Error("attach order id to intent failed",
			slog.Int64("intent_id", intent.ID),
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()))
	}
}
