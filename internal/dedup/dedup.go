// Package dedup computes content-addressed idempotency keys for actionable
// events (alerts and opportunistic order placement) and enforces
// at-most-one-action-per-key within a TTL window.
//
// This layer is time-bucketed: two events inside the same 5-minute bucket
// and the same cent bucket collapse to one key. It does NOT provide
// forever-idempotency; the orchestrator's signal-scoped key does that.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// Wider buckets suppress more duplicate noise but raise false-dedup risk.
const (
	timeBucketWidth     = 5 * time.Minute
	timeBucketLayout    = "2006-01-02T15:04"
	priceBucketDecimals = 2
)

// unknownField substitutes for a missing strategy or timeframe so the key
// stays deterministic.
const unknownField = "UNKNOWN"

// ComputeKey returns the deterministic sha256 hex fingerprint of an
// actionable event: pipe-joined normalized fields (side uppercased, strings
// trimmed, UNKNOWN defaults for strategy and timeframe).
func ComputeKey(symbol, side, strategyName, timeframe, triggerPriceBucket, timeBucket string) string {
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return unknownField
		}
		return s
	}

	parts := []string{
		strings.TrimSpace(symbol),
		strings.ToUpper(strings.TrimSpace(side)),
		norm(strategyName),
		norm(timeframe),
		strings.TrimSpace(triggerPriceBucket),
		strings.TrimSpace(timeBucket),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ComputeKeyFromContext derives the time bucket by flooring now to the
// nearest 5-minute boundary (minute resolution) and the price bucket by
// rounding the trigger price to 2 decimals, then delegates to ComputeKey.
func ComputeKeyFromContext(symbol string, side domain.Side, strategyKey string, triggerPrice decimal.Decimal, now time.Time) string {
	timeBucket := now.UTC().Truncate(timeBucketWidth).Format(timeBucketLayout)
	priceBucket := triggerPrice.Round(priceBucketDecimals).StringFixed(priceBucketDecimals)
	return ComputeKey(symbol, string(side), strategyKey, "", priceBucket, timeBucket)
}

// Store enforces the TTL window against the persistence collaborator.
type Store struct {
	events domain.DedupEventStore
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a dedup Store backed by the given event store.
func NewStore(events domain.DedupEventStore, logger *slog.Logger) *Store {
	return &Store{
		events: events,
		logger: logger.With(slog.String("component", "dedup")),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// CheckAndRecord looks up the key and applies the TTL contract:
//
//   - no row: record the event, return (ALLOWED, isNew=true)
//   - row within ttl: return (DEDUPED, false) without mutating
//   - row older than ttl: refresh the row in place, return (ALLOWED, false)
//
// Concurrent writers are resolved by the storage layer's atomic
// insert-or-refresh, so check-then-insert races cannot produce two actions
// for one key.
func (s *Store) CheckAndRecord(ctx context.Context, key, correlationID, symbol string, action domain.DedupAction, payloadJSON string, ttl time.Duration) (domain.DedupDecision, bool, error) {
	now := s.now().UTC()
	ev := domain.DedupEvent{
		Key:           key,
		CorrelationID: correlationID,
		Symbol:        symbol,
		Action:        action,
		PayloadJSON:   payloadJSON,
		CreatedAt:     now,
	}

	outcome, err := s.events.InsertOrRefresh(ctx, ev, now.Add(-ttl))
	if err != nil {
		return "", false, err
	}

	switch outcome {
	case domain.DedupInserted:
		return domain.DedupAllowed, true, nil
	case domain.DedupRefreshed:
		s.logger.DebugContext(ctx, "dedup key refreshed past TTL",
			slog.String("key", key),
			slog.String("symbol", symbol),
		)
		return domain.DedupAllowed, false, nil
	default:
		s.logger.InfoContext(ctx, "actionable event deduplicated",
			slog.String("reason", "DEDUP_KEY_IN_TTL"),
			slog.String("key", key),
			slog.String("symbol", symbol),
			slog.String("correlation_id", correlationID),
		)
		return domain.DedupDeduped, false, nil
	}
}

// CountRecent reports how many dedup events were recorded within the
/// trailing window. This is a monitoring read path: storage errors are logged
// and reported as 0, never propagated.
func (s *Store) CountRecent(ctx context.Context, window time.Duration) int64 {
	n, err := s.events.CountSince(ctx, s.now().UTC().Add(-window))
	if err != nil {
		s.logger.WarnContext(ctx, "dedup event count failed",
			slog.String("error", err.Error()),
		)
		return 0
	}
	return n
}
