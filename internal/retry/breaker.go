package retry

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the externally visible circuit breaker state.
type BreakerState string

const (
	BreakerClosed BreakerState = "CLOSED"
	BreakerOpen   BreakerState = "OPEN"
)

// CircuitBreaker guards one named external dependency. Once failures within
// the trailing window reach the threshold it opens and rejects calls without
// attempting the underlying operation; after the cooldown it allows a single
// probe call, closing on success and reopening on failure.
//
// State is in-memory and process-local: in a multi-replica deployment each
// replica has its own breaker, which is an accepted tradeoff since a truly
// down dependency votes consistently everywhere.
type CircuitBreaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	failures []time.Time
	state    BreakerState
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, failureThreshold int, window, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: failureThreshold,
		window:    window,
		cooldown:  cooldown,
		logger:    logger.With(slog.String("component", "circuit_breaker"), slog.String("breaker", name)),
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// SetClock replaces the time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// RecordFailure appends a timestamped failure. If failures within the
// trailing window reach the threshold the breaker opens. A failure during a
// probe reopens immediately regardless of the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.probing {
		cb.probing = false
		cb.open(now, "probe failed")
		return
	}

	cb.failures = append(cb.failures, now)
	cb.prune(now)

	if cb.state == BreakerClosed && len(cb.failures) >= cb.threshold {
		cb.open(now, "failure threshold reached")
	}
}

// RecordSuccess fully resets the failure window and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen || cb.probing {
		cb.logger.Info("circuit breaker closed after success")
	}
	cb.state = BreakerClosed
	cb.probing = false
	cb.failures = cb.failures[:0]
}

// AllowCall reports whether a call may proceed. When open, the cooldown must
// elapse first; the breaker then transitions back to closed and allows one
// probe call.
func (cb *CircuitBreaker) AllowCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerClosed {
		return true
	}

	if cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerClosed
		cb.probing = true
		cb.failures = cb.failures[:0]
		cb.logger.Info("circuit breaker cooldown elapsed, allowing probe call")
		return true
	}
	return false
}

// IsOpen reports whether the breaker currently rejects calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == BreakerOpen
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the dependency this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// open must be called with the mutex held.
func (cb *CircuitBreaker) open(now time.Time, why string) {
	cb.state = BreakerOpen
	cb.openedAt = now
	cb.logger.Warn("circuit breaker opened",
		slog.String("reason", why),
		slog.Int("failures", len(cb.failures)),
		slog.Duration("cooldown", cb.cooldown),
	)
}

// prune drops failures older than the trailing window. Mutex held.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}
