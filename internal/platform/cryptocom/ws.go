package cryptocom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

const defaultWSUserURL = "wss://stream.crypto.com/exchange/v1/user"

// OrderUpdateHandler receives live order updates from the user stream.
type OrderUpdateHandler func(ctx context.Context, order domain.ExchangeOrder)

// UserStream is one authenticated session on the user websocket, subscribed
// to the user.order channel. Reconnection is the caller's job.
type UserStream struct {
	cfg    Config
	logger *slog.Logger
	nextID atomic.Int64
	now    func() time.Time
}

// NewUserStream creates a user stream for the given credentials.
func NewUserStream(cfg Config, logger *slog.Logger) *UserStream {
	if cfg.WSUserURL == "" {
		cfg.WSUserURL = defaultWSUserURL
	}
	return &UserStream{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cryptocom_ws")),
		now:    time.Now,
	}
}

// Run connects, authenticates, subscribes, and dispatches order updates to
// handler until ctx is done or the connection drops. A drop returns an error
// wrapping domain.ErrWSDisconnect.
func (s *UserStream) Run(ctx context.Context, handler OrderUpdateHandler) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.WSUserURL, nil)
	if err != nil {
		return fmt.Errorf("cryptocom: dial user stream: %w", err)
	}
	defer conn.Close()

	// ReadMessage has no context support, closing the conn unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info("user stream connected", slog.String("url", s.cfg.WSUserURL))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("cryptocom: user stream read: %v: %w", err, domain.ErrWSDisconnect)
		}

		var msg apiResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unparsable stream message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Method {
		case "public/heartbeat":
			reply := apiRequest{ID: msg.ID, Method: "public/respond-heartbeat"}
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("cryptocom: heartbeat reply: %v: %w", err, domain.ErrWSDisconnect)
			}
		case "subscribe":
			s.dispatch(ctx, msg.Result, handler)
		}
	}
}

func (s *UserStream) authenticate(conn *websocket.Conn) error {
	req := apiRequest{
		ID:     s.nextID.Add(1),
		Method: "public/auth",
		APIKey: s.cfg.APIKey,
		Nonce:  s.now().UnixMilli(),
	}
	signRequest(s.cfg.APISecret, &req)

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("cryptocom: send auth: %w", err)
	}

	var resp apiResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("cryptocom: read auth response: %w", err)
	}
	if resp.Code != 0 {
		return &APIError{Code: resp.Code, Message: resp.Message, Method: "public/auth"}
	}
	return nil
}

func (s *UserStream) subscribe(conn *websocket.Conn) error {
	req := apiRequest{
		ID:     s.nextID.Add(1),
		Method: "subscribe",
		Params: map[string]any{"channels": []string{"user.order"}},
		Nonce:  s.now().UnixMilli(),
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("cryptocom: subscribe user.order: %w", err)
	}
	return nil
}

func (s *UserStream) dispatch(ctx context.Context, result json.RawMessage, handler OrderUpdateHandler) {
	if len(result) == 0 {
		// Subscription ack, no data yet.
		return
	}

	var payload struct {
		Channel string      `json:"channel"`
		Data    []orderData `json:"data"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		s.logger.Warn("unparsable subscription payload", slog.String("error", err.Error()))
		return
	}
	if payload.Channel != "user.order" {
		return
	}

	now := s.now().UTC()
	for _, od := range payload.Data {
		order, err := od.toDomain(now)
		if err != nil {
			s.logger.Warn("skipping unparsable order update",
				slog.String("order_id", od.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		handler(ctx, order)
	}
}
