package cryptocom

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// apiRequest is the signed envelope for private endpoints.
type apiRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig,omitempty"`
}

// apiResponse is the common envelope for REST and websocket responses.
type apiResponse struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// APIError carries the exchange error code plus the HTTP status, which
// drives retryability classification.
type APIError struct {
	Code       int
	Message    string
	Method     string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cryptocom: %s returned code %d (http %d): %s",
		e.Method, e.Code, e.StatusCode, e.Message)
}

// HTTPStatus returns the HTTP status of the failed call.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// orderData is the exchange's order representation, shared by the REST
// order endpoints and the user.order websocket channel.
type orderData struct {
	OrderID        string `json:"order_id"`
	ClientOID      string `json:"client_oid"`
	InstrumentName string `json:"instrument_name"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	Price          string `json:"price"`
	Quantity       string `json:"quantity"`
	AvgPrice       string `json:"avg_price"`
	CumulativeQty  string `json:"cumulative_quantity"`
	UpdateTime     int64  `json:"update_time"`
}

// toDomain converts the wire order into the domain representation. The
// originating signal id is recovered from the client order id when the
// order was placed by this bot.
func (o orderData) toDomain(now time.Time) (domain.ExchangeOrder, error) {
	price, err := parseDecimal(o.Price)
	if err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("cryptocom: parse order price %q: %w", o.Price, err)
	}
	qty, err := parseDecimal(o.Quantity)
	if err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("cryptocom: parse order quantity %q: %w", o.Quantity, err)
	}

	out := domain.ExchangeOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOID,
		SignalID:      SignalIDFromClientOID(o.ClientOID),
		Symbol:        o.InstrumentName,
		Side:          domain.Side(o.Side),
		Status:        domain.ExchangeOrderStatus(o.Status),
		Price:         price,
		Quantity:      qty,
		ExchangeTime:  now,
		SyncedAt:      now,
	}
	if o.UpdateTime > 0 {
		out.ExchangeTime = time.UnixMilli(o.UpdateTime).UTC()
	}

	if o.AvgPrice != "" && o.AvgPrice != "0" {
		if fp, err := parseDecimal(o.AvgPrice); err == nil {
			out.FilledPrice = &fp
		}
	}
	if o.CumulativeQty != "" && o.CumulativeQty != "0" {
		if fq, err := parseDecimal(o.CumulativeQty); err == nil {
			out.FilledQty = &fq
		}
	}
	return out, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
