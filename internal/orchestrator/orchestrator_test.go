package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccruz0/crypto-2.0-sub006/internal/dedup"
	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/invariant"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
	"github.com/ccruz0/crypto-2.0-sub006/internal/throttle"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type intentKey struct {
	signalID string
	side     domain.Side
}

type memIntentStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[intentKey]domain.OrderIntent
}

func newMemIntentStore() *memIntentStore {
	return &memIntentStore{rows: make(map[intentKey]domain.OrderIntent)}
}

func (m *memIntentStore) Create(_ context.Context, in domain.OrderIntent) (domain.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := intentKey{in.SignalID, in.Side}
	if _, ok := m.rows[k]; ok {
		return domain.OrderIntent{}, domain.ErrAlreadyExists
	}
	m.nextID++
	in.ID = m.nextID
	m.rows[k] = in
	return in, nil
}

func (m *memIntentStore) GetBySignalSide(_ context.Context, signalID string, side domain.Side) (domain.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.rows[intentKey{signalID, side}]
	if !ok {
		return domain.OrderIntent{}, domain.ErrNotFound
	}
	return in, nil
}

func (m *memIntentStore) ListStalePending(_ context.Context, olderThan time.Time) ([]domain.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderIntent
	for _, in := range m.rows {
		// Inclusive cutoff, matching the created_at <= $2 store query.
		if in.Status == domain.IntentPending && !in.CreatedAt.After(olderThan) {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *memIntentStore) update(id int64, fn func(*domain.OrderIntent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, in := range m.rows {
		if in.ID == id {
			fn(&in)
			m.rows[k] = in
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memIntentStore) MarkFilled(_ context.Context, id int64, orderID string) error {
	return m.update(id, func(in *domain.OrderIntent) {
		in.Status = domain.IntentFilled
		in.OrderID = orderID
	})
}

func (m *memIntentStore) MarkFailed(_ context.Context, id int64, msg string) error {
	return m.update(id, func(in *domain.OrderIntent) {
		in.Status = domain.IntentOrderFailed
		in.ErrorMessage = msg
	})
}

func (m *memIntentStore) AttachOrderID(_ context.Context, id int64, orderID string) error {
	return m.update(id, func(in *domain.OrderIntent) { in.OrderID = orderID })
}

func (m *memIntentStore) CountPending(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range m.rows {
		if in.Status == domain.IntentPending {
			n++
		}
	}
	return n, nil
}

func (m *memIntentStore) CountOpenBySymbol(_ context.Context, symbol string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range m.rows {
		if in.Symbol == symbol && in.Status == domain.IntentPending {
			n++
		}
	}
	return n, nil
}

type stateKey struct {
	symbol, strategy string
	side             domain.Side
}

type memStateStore struct {
	mu   sync.Mutex
	rows map[stateKey]domain.ThrottleState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{rows: make(map[stateKey]domain.ThrottleState)}
}

func (m *memStateStore) Get(_ context.Context, symbol, strategyKey string, side domain.Side) (domain.ThrottleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[stateKey{symbol, strategyKey, side}]
	if !ok {
		return domain.ThrottleState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memStateStore) Upsert(_ context.Context, st domain.ThrottleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[stateKey{st.Symbol, st.StrategyKey, st.Side}] = st
	return nil
}

func (m *memStateStore) SetForce(_ context.Context, symbol, strategyKey string, side domain.Side, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := stateKey{symbol, strategyKey, side}
	st := m.rows[k]
	st.Symbol, st.StrategyKey, st.Side = symbol, strategyKey, side
	st.ForceNextSignal = force
	m.rows[k] = st
	return nil
}

func (m *memStateStore) ClearForce(ctx context.Context, symbol, strategyKey string, side domain.Side) error {
	return m.SetForce(ctx, symbol, strategyKey, side, false)
}

type memDedupStore struct {
	mu   sync.Mutex
	rows map[string]domain.DedupEvent
}

func newMemDedupStore() *memDedupStore {
	return &memDedupStore{rows: make(map[string]domain.DedupEvent)}
}

func (m *memDedupStore) InsertOrRefresh(_ context.Context, ev domain.DedupEvent, staleBefore time.Time) (domain.DedupOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rows[ev.Key]
	if !ok {
		m.rows[ev.Key] = ev
		return domain.DedupInserted, nil
	}
	if !prev.CreatedAt.After(staleBefore) {
		m.rows[ev.Key] = ev
		return domain.DedupRefreshed, nil
	}
	return domain.DedupRejected, nil
}

func (m *memDedupStore) Get(_ context.Context, key string) (domain.DedupEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.rows[key]
	if !ok {
		return domain.DedupEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

func (m *memDedupStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, ev := range m.rows {
		if ev.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

type fakePlacer struct {
	mu      sync.Mutex
	calls   int
	orderID string
	err     error
}

func (f *fakePlacer) PlaceOrder(_ context.Context, _ domain.TradeSignal, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.orderID, nil
}

type allowAllRisk struct{}

func (allowAllRisk) Check(context.Context, domain.TradeSignal) (bool, string, error) {
	return false, "", nil
}

type fakePositions struct{ has bool }

func (f fakePositions) HasOpenPosition(context.Context, string) (bool, error) {
	return f.has, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type apiErr struct{ code int }

func (e apiErr) Error() string   { return "exchange rejected" }
func (e apiErr) HTTPStatus() int { return e.code }

// requestTimeoutErr mimics an http.Client timeout: a net.Error whose chain
// matches context.DeadlineExceeded, as url.Error has since Go 1.16.
type requestTimeoutErr struct{}

func (requestTimeoutErr) Error() string {
	return "Post \"https://api.example.com\": context deadline exceeded (Client.Timeout exceeded while awaiting headers)"
}
func (requestTimeoutErr) Timeout() bool   { return true }
func (requestTimeoutErr) Temporary() bool { return true }
func (requestTimeoutErr) Unwrap() error   { return context.DeadlineExceeded }

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	orch    *Orchestrator
	intents *memIntentStore
	states  *memStateStore
	placer  *fakePlacer
	breaker *retry.CircuitBreaker
	notes   *recordingNotifier
	now     time.Time
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	logger := slog.Default()

	f := &fixture{
		intents: newMemIntentStore(),
		states:  newMemStateStore(),
		placer:  &fakePlacer{orderID: "ord-1"},
		breaker: retry.NewCircuitBreaker("exchange", 3, 10*time.Minute, 5*time.Minute, logger),
		notes:   &recordingNotifier{},
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	cfg := Config{
		Throttle: throttle.Config{
			MinPriceChangePct: decimal.RequireFromString("0.5"),
			MinInterval:       15 * time.Minute,
		},
		DedupTTL: 15 * time.Minute,
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}

	ds := dedup.NewStore(newMemDedupStore(), logger)
	th := throttle.New(f.states, logger)
	f.orch = New(f.intents, f.states, th, ds,
		f.placer, allowAllRisk{}, fakePositions{has: true}, f.breaker, f.notes, cfg, logger)
	f.orch.SetClock(func() time.Time { return f.now })

	for _, opt := range opts {
		opt(f)
	}
	return f
}

func testSignal(id string) domain.TradeSignal {
	return domain.TradeSignal{
		ID:          id,
		Symbol:      "BTC_USDT",
		Side:        domain.SideBuy,
		StrategyKey: "rsi_ma",
		Timeframe:   "5m",
		Price:       decimal.RequireFromString("43250.10"),
		Quantity:    decimal.RequireFromString("0.25"),
		Message:     "RSI oversold + MA cross",
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestIdempotencyKeyHasNoTimeComponent(t *testing.T) {
	assert.Equal(t, "signal:sig-42:side:BUY", IdempotencyKey("sig-42", domain.SideBuy))
	assert.Equal(t, "signal:sig-42:side:SELL", IdempotencyKey("sig-42", domain.SideSell))
}

func TestCreateOrderIntentIdempotentAcrossTime(t *testing.T) {
	f := newFixture(t)
	sig := testSignal("sig-1")

	intent, status, err := f.orch.CreateOrderIntent(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, domain.IntentPending, status)

	// Replay the same signal 65 seconds later: no timestamp bucketing leaks
	// into the key, so the duplicate still collapses.
	f.now = f.now.Add(65 * time.Second)
	dup, status, err := f.orch.CreateOrderIntent(context.Background(), sig)
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Equal(t, domain.IntentDedupSkip, status)

	// And a week later.
	f.now = f.now.Add(7 * 24 * time.Hour)
	dup, status, err = f.orch.CreateOrderIntent(context.Background(), sig)
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Equal(t, domain.IntentDedupSkip, status)

	pending, err := f.intents.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "exactly one row in storage")
}

func TestCreateOrderIntentSidesAreDistinct(t *testing.T) {
	f := newFixture(t)

	buy := testSignal("sig-1")
	sell := testSignal("sig-1")
	sell.Side = domain.SideSell

	_, status, err := f.orch.CreateOrderIntent(context.Background(), buy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, status)

	_, status, err = f.orch.CreateOrderIntent(context.Background(), sell)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, status, "same signal, other side gets its own intent")
}

func TestHandleSignalHappyPath(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, string(domain.IntentFilled), out.Status)
	require.NotNil(t, out.Intent)
	assert.Equal(t, "ord-1", out.Intent.OrderID)
	assert.Equal(t, 1, f.placer.calls)
	assert.Contains(t, f.notes.events, "order_placed")

	// Throttle snapshot was recorded for the emission.
	st, err := f.states.Get(context.Background(), "BTC_USDT", "rsi_ma", domain.SideBuy)
	require.NoError(t, err)
	assert.True(t, st.LastPrice.Equal(decimal.RequireFromString("43250.10")))
}

func TestHandleSignalSellWithoutPosition(t *testing.T) {
	f := newFixture(t)
	f.orch.positions = fakePositions{has: false}

	sig := testSignal("sig-1")
	sig.Side = domain.SideSell

	out, err := f.orch.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, invariant.ReasonSellRequiresPosition, out.Status)
	assert.Equal(t, 0, f.placer.calls, "no side effect before validation passes")
}

func TestHandleSignalRiskGuardBlocked(t *testing.T) {
	f := newFixture(t)
	guard := NewGuard(f.intents, GuardConfig{
		MaxOrderNotional: decimal.RequireFromString("100"),
	}, slog.Default())
	f.orch.risk = guard

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRiskGuardBlocked, out.Status)
	assert.Equal(t, 0, f.placer.calls)
}

func TestHandleSignalThrottledSecondPass(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)

	// A new signal 30 seconds later is inside the cooldown window.
	f.now = f.now.Add(30 * time.Second)
	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-2"))
	require.NoError(t, err)
	assert.Equal(t, throttle.ReasonTimeGate, out.Status)
	assert.Equal(t, 1, f.placer.calls)
}

func TestHandleSignalDedupKeyInTTL(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.NoError(t, err)

	// Force the throttle open; the event-dedup layer still rejects the same
	// price/time bucket.
	require.NoError(t, f.states.SetForce(context.Background(), "BTC_USDT", "rsi_ma", domain.SideBuy, true))
	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-3"))
	require.NoError(t, err)
	assert.Equal(t, ReasonDedupKeyInTTL, out.Status)
	assert.Equal(t, 1, f.placer.calls)
}

func TestHandleSignalNonRetryableMarksIntentFailed(t *testing.T) {
	f := newFixture(t)
	f.placer.err = apiErr{code: 400}

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.Error(t, err)
	assert.Equal(t, string(domain.IntentOrderFailed), out.Status)
	assert.Equal(t, 1, f.placer.calls, "non-retryable errors are not retried")

	in, err := f.intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentOrderFailed, in.Status)
	assert.Contains(t, f.notes.events, "order_failed")
}

func TestHandleSignalTransientLeavesIntentPending(t *testing.T) {
	f := newFixture(t)
	f.placer.err = apiErr{code: 503}

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.Error(t, err)
	assert.Equal(t, string(domain.IntentPending), out.Status)
	assert.Equal(t, 2, f.placer.calls, "retried up to max attempts")

	// The response may have been lost after the exchange accepted the order;
	// reconciliation owns the final verdict.
	in, err := f.intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, in.Status)
}

func TestHandleSignalRequestTimeoutLeavesIntentPending(t *testing.T) {
	f := newFixture(t)
	f.placer.err = requestTimeoutErr{}

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.Error(t, err)
	assert.Equal(t, string(domain.IntentPending), out.Status)
	assert.Equal(t, 2, f.placer.calls, "request timeouts are retried")

	// The exchange may have accepted the order before the response was lost,
	// so a timed-out placement must never settle the intent as failed.
	in, err := f.intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, in.Status)
}

func TestHandleSignalCallerDeadlineLeavesIntentPending(t *testing.T) {
	f := newFixture(t)
	f.placer.err = context.DeadlineExceeded

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.Error(t, err)
	assert.Equal(t, string(domain.IntentPending), out.Status)
	assert.Equal(t, 1, f.placer.calls, "bare deadline expiry is not retried")

	in, err := f.intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, in.Status)
}

func TestHandleSignalCircuitOpenFailsFast(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure()
	}

	out, err := f.orch.HandleSignal(context.Background(), testSignal("sig-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, ReasonCircuitOpen, out.Status)
	assert.Equal(t, 0, f.placer.calls, "no network call while the breaker is open")
}
