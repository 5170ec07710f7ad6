package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// DedupEventStore persists content-addressed dedup events keyed by the
// sha256 signal fingerprint.
type DedupEventStore struct {
	pool *pgxpool.Pool
}

// NewDedupEventStore creates a DedupEventStore backed by the given client.
func NewDedupEventStore(client *Client) *DedupEventStore {
	return &DedupEventStore{pool: client.Pool()}
}

var _ domain.DedupEventStore = (*DedupEventStore)(nil)

// InsertOrRefresh atomically inserts the event, refreshes an existing row
// whose created_at is at or before staleBefore, or rejects when a fresh row
// already holds the key. The three outcomes are decided by a single upsert
// so concurrent writers cannot both pass for the same key.
func (s *DedupEventStore) InsertOrRefresh(ctx context.Context, ev domain.DedupEvent, staleBefore time.Time) (domain.DedupOutcome, error) {
	const query = `
		INSERT INTO dedup_events (key, correlation_id, symbol, action, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			correlation_id = EXCLUDED.correlation_id,
			symbol         = EXCLUDED.symbol,
			action         = EXCLUDED.action,
			payload_json   = EXCLUDED.payload_json,
			created_at     = EXCLUDED.created_at
		WHERE dedup_events.created_at <= $7
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		ev.Key, ev.CorrelationID, ev.Symbol, string(ev.Action), ev.PayloadJSON, ev.CreatedAt,
		staleBefore,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DedupRejected, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: insert or refresh dedup event: %w", err)
	}
	if inserted {
		return domain.DedupInserted, nil
	}
	return domain.DedupRefreshed, nil
}

// Get returns the dedup event for a key, or domain.ErrNotFound.
func (s *DedupEventStore) Get(ctx context.Context, key string) (domain.DedupEvent, error) {
	const query = `
		SELECT key, correlation_id, symbol, action, payload_json, created_at
		FROM dedup_events
		WHERE key = $1`

	var ev domain.DedupEvent
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&ev.Key, &ev.CorrelationID, &ev.Symbol, &ev.Action, &ev.PayloadJSON, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DedupEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DedupEvent{}, fmt.Errorf("postgres: get dedup event: %w", err)
	}
	return ev, nil
}

// CountSince returns how many dedup events were recorded at or after since.
func (s *DedupEventStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM dedup_events WHERE created_at >= $1", since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count dedup events: %w", err)
	}
	return n, nil
}
