// Package feed keeps the local exchange_orders mirror current by consuming
// the exchange's user-order stream.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/platform/cryptocom"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
)

// OrderFeed runs the user websocket stream with reconnection and persists
// every order update. Updates carrying a signal id also get linked back to
// their pending intent.
type OrderFeed struct {
	stream  *cryptocom.UserStream
	orders  domain.ExchangeOrderStore
	intents domain.OrderIntentStore
	logger  *slog.Logger
}

// NewOrderFeed creates an OrderFeed.
func NewOrderFeed(stream *cryptocom.UserStream, orders domain.ExchangeOrderStore, intents domain.OrderIntentStore, logger *slog.Logger) *OrderFeed {
	return &OrderFeed{
		stream:  stream,
		orders:  orders,
		intents: intents,
		logger:  logger.With(slog.String("component", "order_feed")),
	}
}

// Run consumes the stream until ctx is done, reconnecting with exponential
// backoff on disconnects.
func (f *OrderFeed) Run(ctx context.Context) error {
	delay := reconnectBase
	for {
		err := f.stream.Run(ctx, f.handleUpdate)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, domain.ErrWSDisconnect) {
			f.logger.Warn("user stream disconnected, reconnecting",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		} else {
			f.logger.Error("user stream failed, reconnecting",
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMax)
	}
}

func (f *OrderFeed) handleUpdate(ctx context.Context, order domain.ExchangeOrder) {
	if err := f.orders.Upsert(ctx, order); err != nil {
		f.logger.Error("persist order update failed",
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()))
		return
	}
	f.logger.Debug("order update",
		slog.String("order_id", order.OrderID),
		slog.String("symbol", order.Symbol),
		slog.String("status", string(order.Status)))

	if order.SignalID == "" {
		return
	}
	f.linkIntent(ctx, order)
}

// linkIntent records the exchange order id on the originating intent so the
// reconciler can match the pair even when the placement response was lost.
func (f *OrderFeed) linkIntent(ctx context.Context, order domain.ExchangeOrder) {
	intent, err := f.intents.GetBySignalSide(ctx, order.SignalID, order.Side)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		f.logger.Error("lookup intent for order update failed",
			slog.String("signal_id", order.SignalID),
			slog.String("error", err.Error()))
		return
	}
	if intent.OrderID != "" || intent.Status != domain.IntentPending {
		return
	}

	if err := f.intents.AttachOrderID(ctx, intent.ID, order.OrderID); err != nil {
		f.logger.Error("attach order id to intent failed",
			slog.Int64("intent_id", intent.ID),
			slog.String("order_id", order.OrderID),
			slog.String("error", err.Error()))
	}
}
