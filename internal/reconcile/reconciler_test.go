package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

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

func (m *memIntentStore) CountPending(_ context.Context) (int64, error) { return 0, nil }

func (m *memIntentStore) CountOpenBySymbol(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

type memOrderStore struct {
	mu       sync.Mutex
	byOrder  map[string]domain.ExchangeOrder
	bySignal map[string]domain.ExchangeOrder
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		byOrder:  make(map[string]domain.ExchangeOrder),
		bySignal: make(map[string]domain.ExchangeOrder),
	}
}

func (m *memOrderStore) Upsert(_ context.Context, o domain.ExchangeOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byOrder[o.OrderID] = o
	if o.SignalID != "" {
		m.bySignal[o.SignalID] = o
	}
	return nil
}

func (m *memOrderStore) GetByOrderID(_ context.Context, orderID string) (domain.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byOrder[orderID]
	if !ok {
		return domain.ExchangeOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memOrderStore) GetBySignalID(_ context.Context, signalID string) (domain.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.bySignal[signalID]
	if !ok {
		return domain.ExchangeOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func newTestReconciler(intents *memIntentStore, orders *memOrderStore) (*Reconciler, time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(intents, orders, nil, Config{Grace: 5 * time.Minute, Interval: time.Minute}, slog.Default())
	r.SetClock(func() time.Time { return now })
	return r, now
}

func pendingIntent(t *testing.T, intents *memIntentStore, signalID string, age time.Duration, now time.Time) domain.OrderIntent {
	t.Helper()
	in, err := intents.Create(context.Background(), domain.OrderIntent{
		SignalID:  signalID,
		Symbol:    "BTC_USDT",
		Side:      domain.SideBuy,
		Status:    domain.IntentPending,
		CreatedAt: now.Add(-age),
	})
	require.NoError(t, err)
	return in
}

func TestStaleIntentWithoutOrderMarkedFailed(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	pendingIntent(t, intents, "sig-1", 10*time.Minute, now)

	marked, unresolved, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 0, unresolved)

	in, err := intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentOrderFailed, in.Status)
	assert.Equal(t, "MISSING_EXCHANGE_ORDER", in.ErrorMessage)
}

func TestIntentWithMatchingOrderBySignalIDLeftPending(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	pendingIntent(t, intents, "sig-1", 10*time.Minute, now)
	require.NoError(t, orders.Upsert(context.Background(), domain.ExchangeOrder{
		OrderID:  "ord-9",
		SignalID: "sig-1",
		Symbol:   "BTC_USDT",
		Status:   domain.ExchangeOrderActive,
	}))

	marked, unresolved, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
	assert.Equal(t, 1, unresolved, "matched intents stay pending and are reported as unresolved")

	in, err := intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, in.Status, "still converging, not failed")
	assert.Empty(t, in.ErrorMessage)
}

func TestIntentWithMatchingOrderByOrderIDLeftPending(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	in := pendingIntent(t, intents, "sig-1", 10*time.Minute, now)
	require.NoError(t, intents.AttachOrderID(context.Background(), in.ID, "ord-9"))
	require.NoError(t, orders.Upsert(context.Background(), domain.ExchangeOrder{
		OrderID: "ord-9",
		Symbol:  "BTC_USDT",
		Status:  domain.ExchangeOrderActive,
	}))

	marked, _, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
}

func TestIntentExactlyAtGraceCutoffSwept(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	pendingIntent(t, intents, "sig-1", 5*time.Minute, now)

	marked, unresolved, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, marked, "cutoff is inclusive")
	assert.Equal(t, 0, unresolved)
}

func TestIntentInsideGracePeriodUntouched(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	pendingIntent(t, intents, "sig-1", 2*time.Minute, now)

	marked, unresolved, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, marked)
	assert.Equal(t, 0, unresolved)

	in, err := intents.GetBySignalSide(context.Background(), "sig-1", domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPending, in.Status)
}

func TestMixedSweep(t *testing.T) {
	intents := newMemIntentStore()
	orders := newMemOrderStore()
	r, now := newTestReconciler(intents, orders)

	pendingIntent(t, intents, "sig-orphan", 10*time.Minute, now)
	pendingIntent(t, intents, "sig-matched", 10*time.Minute, now)
	pendingIntent(t, intents, "sig-fresh", time.Minute, now)
	require.NoError(t, orders.Upsert(context.Background(), domain.ExchangeOrder{
		OrderID:  "ord-1",
		SignalID: "sig-matched",
		Status:   domain.ExchangeOrderFilled,
	}))

	marked, unresolved, err := r.RunOnce(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 1, unresolved)
}
