package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccruz0/crypto-2.0-sub006/internal/dedup"
	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
	"github.com/ccruz0/crypto-2.0-sub006/internal/retry"
)

type memDedupStore struct {
	count int64
	err   error
}

func (m *memDedupStore) InsertOrRefresh(_ context.Context, _ domain.DedupEvent, _ time.Time) (domain.DedupOutcome, error) {
	return domain.DedupInserted, nil
}

func (m *memDedupStore) Get(_ context.Context, _ string) (domain.DedupEvent, error) {
	return domain.DedupEvent{}, domain.ErrNotFound
}

func (m *memDedupStore) CountSince(_ context.Context, _ time.Time) (int64, error) {
	return m.count, m.err
}

type recordingNotifier struct {
	events   []string
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, message string) error {
	n.events = append(n.events, event)
	n.messages = append(n.messages, message)
	return nil
}

func TestReportPublishesSnapshot(t *testing.T) {
	intents := newMemIntentStore()
	intents.put(domain.OrderIntent{SignalID: "sig-1", Side: domain.SideBuy, Status: domain.IntentPending})
	intents.put(domain.OrderIntent{SignalID: "sig-2", Side: domain.SideBuy, Status: domain.IntentFilled})

	breaker := retry.NewCircuitBreaker("exchange", 3, time.Minute, time.Minute, discardLogger())
	notifier := &recordingNotifier{}

	reporter := NewHealthReporter(
		dedup.NewStore(&memDedupStore{count: 12}, discardLogger()), intents,
		[]*retry.CircuitBreaker{breaker},
		notifier, time.Hour, discardLogger(),
	)
	reporter.Report(context.Background())

	require.Equal(t, []string{"health_report"}, notifier.events)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "dedup events (last 1h0m0s): 12")
	assert.Contains(t, notifier.messages[0], "pending intents: 1")
	assert.Contains(t, notifier.messages[0], "breaker exchange: CLOSED")
}

func TestReportDegradesOnStoreErrors(t *testing.T) {
	notifier := &recordingNotifier{}
	reporter := NewHealthReporter(
		dedup.NewStore(&memDedupStore{err: assert.AnError}, discardLogger()), newMemIntentStore(),
		nil, notifier, time.Hour, discardLogger(),
	)
	reporter.Report(context.Background())

	// The dedup layer absorbs the storage error and reports 0; the report
	// itself still goes out.
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "dedup events (last 1h0m0s): 0")
	assert.Contains(t, notifier.messages[0], "pending intents: 0")
}
