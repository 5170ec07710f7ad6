// Package cryptocom talks to the Crypto.com Exchange v1 API: signed REST
// calls for order placement and lookups, and the user websocket stream for
// live order updates.
package cryptocom

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

const defaultBaseURL = "https://api.crypto.com/exchange/v1"

// Config holds API credentials and endpoints.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WSUserURL string
}

// Client is a signed REST client for private exchange endpoints.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Int64
	now    func() time.Time
}

// NewClient creates a REST client with a 15s request timeout.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "cryptocom")),
		now:    time.Now,
	}
}

// SignalIDFromClientOID recovers the signal id from a client order id of the
// form signal:{id}:side:{side}. It returns "" for ids this bot did not mint.
func SignalIDFromClientOID(clientOID string) string {
	rest, ok := strings.CutPrefix(clientOID, "signal:")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, ":side:")
	if !ok {
		return ""
	}
	return id
}

// signRequest computes the request signature: HMAC-SHA256 over
// method + id + api_key + sorted-params + nonce, hex encoded.
func signRequest(secret string, req *apiRequest) {
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(fmt.Sprintf("%v", req.Params[k]))
	}

	payload := fmt.Sprintf("%s%d%s%s%d", req.Method, req.ID, req.APIKey, sb.String(), req.Nonce)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	req.Sig = hex.EncodeToString(mac.Sum(nil))
}

// call posts a signed request and decodes the result envelope. Non-zero
// exchange codes and non-200 statuses surface as *APIError.
func (c *Client) call(ctx context.Context, method string, params map[string]any, result any) error {
	req := &apiRequest{
		ID:     c.nextID.Add(1),
		Method: method,
		APIKey: c.cfg.APIKey,
		Params: params,
		Nonce:  c.now().UnixMilli(),
	}
	signRequest(c.cfg.APISecret, req)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cryptocom: marshal %s request: %w", method, err)
	}

	url := c.cfg.BaseURL + "/" + method
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cryptocom: build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cryptocom: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("cryptocom: read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Method: method, StatusCode: resp.StatusCode, Message: string(data)}
		}
		return fmt.Errorf("cryptocom: decode %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK || envelope.Code != 0 {
		return &APIError{
			Code:       envelope.Code,
			Message:    envelope.Message,
			Method:     method,
			StatusCode: resp.StatusCode,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("cryptocom: decode %s result: %w", method, err)
		}
	}
	return nil
}

// PlaceOrder submits a limit order carrying the signal identity in the
// client order id. The exchange treats a repeated client_oid as a duplicate,
// which backs the idempotent retry path.
func (c *Client) PlaceOrder(ctx context.Context, sig domain.TradeSignal, clientOrderID string) (string, error) {
	params := map[string]any{
		"instrument_name": sig.Symbol,
		"side":            string(sig.Side),
		"type":            "LIMIT",
		"price":           sig.Price.String(),
		"quantity":        sig.Quantity.String(),
		"client_oid":      clientOrderID,
	}

	var result struct {
		OrderID   string `json:"order_id"`
		ClientOID string `json:"client_oid"`
	}
	if err := c.call(ctx, "private/create-order", params, &result); err != nil {
		return "", err
	}

	c.logger.Info("order placed",
		slog.String("order_id", result.OrderID),
		slog.String("client_oid", clientOrderID),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)))
	return result.OrderID, nil
}

// CancelOrder asks the exchange to cancel an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.call(ctx, "private/cancel-order", map[string]any{"order_id": orderID}, nil); err != nil {
		return err
	}
	c.logger.Info("order cancel requested", slog.String("order_id", orderID))
	return nil
}

// GetOrderDetail fetches a single order by exchange order id.
func (c *Client) GetOrderDetail(ctx context.Context, orderID string) (domain.ExchangeOrder, error) {
	var result orderData
	err := c.call(ctx, "private/get-order-detail", map[string]any{"order_id": orderID}, &result)
	if err != nil {
		return domain.ExchangeOrder{}, err
	}
	return result.toDomain(c.now().UTC())
}

// ListOpenOrders returns the open orders for a symbol, or all symbols when
// symbol is empty.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	params := map[string]any{}
	if symbol != "" {
		params["instrument_name"] = symbol
	}

	var result struct {
		Data []orderData `json:"data"`
	}
	if err := c.call(ctx, "private/get-open-orders", params, &result); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	orders := make([]domain.ExchangeOrder, 0, len(result.Data))
	for _, od := range result.Data {
		o, err := od.toDomain(now)
		if err != nil {
			c.logger.Warn("skipping unparsable open order",
				slog.String("order_id", od.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetOrderHistory returns orders updated within the lookback window. The
// exchange caps history pages at 100 rows, which covers a short sweep window.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, lookback time.Duration) ([]domain.ExchangeOrder, error) {
	now := c.now().UTC()
	params := map[string]any{
		"start_ts":  now.Add(-lookback).UnixMilli(),
		"end_ts":    now.UnixMilli(),
		"page_size": 100,
	}
	if symbol != "" {
		params["instrument_name"] = symbol
	}

	var result struct {
		Data []orderData `json:"data"`
	}
	if err := c.call(ctx, "private/get-order-history", params, &result); err != nil {
		return nil, err
	}

	orders := make([]domain.ExchangeOrder, 0, len(result.Data))
	for _, od := range result.Data {
		o, err := od.toDomain(now)
		if err != nil {
			c.logger.Warn("skipping unparsable historical order",
				slog.String("order_id", od.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// HasOpenPosition reports whether the account holds a non-zero position in
// the symbol.
func (c *Client) HasOpenPosition(ctx context.Context, symbol string) (bool, error) {
	var result struct {
		Data []struct {
			InstrumentName string `json:"instrument_name"`
			Quantity       string `json:"quantity"`
		} `json:"data"`
	}
	err := c.call(ctx, "private/get-positions", map[string]any{"instrument_name": symbol}, &result)
	if err != nil {
		return false, err
	}

	for _, p := range result.Data {
		if p.InstrumentName != symbol {
			continue
		}
		qty, err := parseDecimal(p.Quantity)
		if err != nil {
			continue
		}
		if !qty.IsZero() {
			return true, nil
		}
	}
	return false, nil
}
