package domain

import "time"

// DedupDecision is the outcome of a dedup check.
type DedupDecision string

const (
	DedupAllowed DedupDecision = "ALLOWED"
	DedupDeduped DedupDecision = "DEDUPED"
)

// DedupAction classifies what kind of actionable event a dedup key guards.
type DedupAction string

const (
	DedupActionOrder DedupAction = "order"
	DedupActionAlert DedupAction = "alert"
)

// DedupEvent is one recorded actionable-event fingerprint. The key uniquely
// identifies the event within its TTL window; after the window expires the
// same key may be reused and the row is refreshed in place, never duplicated.
type DedupEvent struct {
	Key           string // fixed-length sha256 hex
	CorrelationID string
	Symbol        string
	Action        DedupAction
	PayloadJSON   string
	CreatedAt     time.Time
}
