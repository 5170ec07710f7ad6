package dedup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// memEventStore implements domain.DedupEventStore in memory with the same
// atomic insert-or-refresh contract as the postgres store.
type memEventStore struct {
	mu      sync.Mutex
	rows    map[string]domain.DedupEvent
	failAll bool
}

func newMemEventStore() *memEventStore {
	return &memEventStore{rows: make(map[string]domain.DedupEvent)}
}

func (m *memEventStore) InsertOrRefresh(_ context.Context, ev domain.DedupEvent, staleBefore time.Time) (domain.DedupOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, errors.New("store down")
	}
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

func (m *memEventStore) Get(_ context.Context, key string) (domain.DedupEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.rows[key]
	if !ok {
		return domain.DedupEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

func (m *memEventStore) CountSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, errors.New("store down")
	}
	var n int64
	for _, ev := range m.rows {
		if ev.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func TestComputeKeyDeterministicAndNormalized(t *testing.T) {
	k1 := ComputeKey("BTC_USDT", "buy", " rsi_ma ", "5m", "43250.10", "2025-06-01T12:00")
	k2 := ComputeKey("BTC_USDT", "BUY", "rsi_ma", "5m", "43250.10", "2025-06-01T12:00")
	assert.Equal(t, k1, k2, "side case and whitespace are normalized")
	assert.Len(t, k1, 64)

	k3 := ComputeKey("BTC_USDT", "SELL", "rsi_ma", "5m", "43250.10", "2025-06-01T12:00")
	assert.NotEqual(t, k1, k3)

	// Missing strategy/timeframe default to UNKNOWN rather than empty.
	k4 := ComputeKey("BTC_USDT", "BUY", "", "", "43250.10", "2025-06-01T12:00")
	k5 := ComputeKey("BTC_USDT", "BUY", "UNKNOWN", "UNKNOWN", "43250.10", "2025-06-01T12:00")
	assert.Equal(t, k4, k5)
}

func TestComputeKeyFromContextBucketing(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 2, 17, 0, time.UTC)

	// Same 5-minute bucket, same cent bucket: keys collapse.
	k1 := ComputeKeyFromContext("BTC_USDT", domain.SideBuy, "rsi_ma", decimal.RequireFromString("43250.101"), base)
	k2 := ComputeKeyFromContext("BTC_USDT", domain.SideBuy, "rsi_ma", decimal.RequireFromString("43250.099"), base.Add(2*time.Minute))
	assert.Equal(t, k1, k2)

	// Next bucket boundary produces a fresh key.
	k3 := ComputeKeyFromContext("BTC_USDT", domain.SideBuy, "rsi_ma", decimal.RequireFromString("43250.10"), base.Add(4*time.Minute))
	assert.NotEqual(t, k1, k3)

	// A cent of price movement also produces a fresh key.
	k4 := ComputeKeyFromContext("BTC_USDT", domain.SideBuy, "rsi_ma", decimal.RequireFromString("43250.12"), base)
	assert.NotEqual(t, k1, k4)
}

func TestCheckAndRecordTTLRoundTrip(t *testing.T) {
	store := newMemEventStore()
	s := NewStore(store, slog.Default())

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	s.SetClock(func() time.Time { return now })

	const ttl = 15 * time.Minute

	decision, isNew, err := s.CheckAndRecord(context.Background(), "k1", "c1", "BTC_USDT", domain.DedupActionOrder, `{"p":1}`, ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.DedupAllowed, decision)
	assert.True(t, isNew)

	// T+5min: inside the TTL, rejected without mutating.
	now = t0.Add(5 * time.Minute)
	decision, isNew, err = s.CheckAndRecord(context.Background(), "k1", "c2", "BTC_USDT", domain.DedupActionOrder, `{"p":2}`, ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.DedupDeduped, decision)
	assert.False(t, isNew)

	ev, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.CorrelationID, "DEDUPED must not mutate the row")

	// T+20min: past the TTL, allowed again with the row refreshed in place.
	now = t0.Add(20 * time.Minute)
	decision, isNew, err = s.CheckAndRecord(context.Background(), "k1", "c3", "BTC_USDT", domain.DedupActionOrder, `{"p":3}`, ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.DedupAllowed, decision)
	assert.False(t, isNew, "refresh reuses the existing row")

	ev, err = store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "c3", ev.CorrelationID)
	assert.Equal(t, now, ev.CreatedAt)
	assert.Len(t, store.rows, 1, "refreshed in place, not duplicated")
}

func TestCountRecentSwallowsStorageErrors(t *testing.T) {
	store := newMemEventStore()
	s := NewStore(store, slog.Default())

	_, _, err := s.CheckAndRecord(context.Background(), "k1", "c1", "BTC_USDT", domain.DedupActionAlert, "{}", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.CountRecent(context.Background(), time.Hour))

	store.failAll = true
	assert.Equal(t, int64(0), s.CountRecent(context.Background(), time.Hour), "monitoring path returns 0 on storage errors")
}
