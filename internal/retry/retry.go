// Package retry provides a bounded retry-with-backoff helper and a named
// circuit breaker for calls to external dependencies (exchange, telegram).
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// HTTPStatusCarrier is implemented by errors that know the HTTP status code
// of the failed call (the exchange client's API errors do).
type HTTPStatusCarrier interface {
	HTTPStatus() int
}

// HTTPCode extracts an HTTP status code from err, or returns 0 when the error
// carries none.
func HTTPCode(err error) int {
	var sc HTTPStatusCarrier
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsRetryable classifies a failure. Network/connection errors and 5xx-class
// (plus 429) conditions are worth retrying; validation-style failures
// (400/401/403/404/422) cannot succeed on retry and waste calls. httpCode 0
// means the status is unknown and classification falls back to the error
// type. Context cancellation is never retryable.
func IsRetryable(err error, httpCode int) bool {
	if err == nil {
		return false
	}
	// Request timeouts (http.Client timeout, dial timeout) wrap
	// context.DeadlineExceeded since Go 1.16, so the timeout check must run
	// before the context sentinels: a timed-out call is retryable, a
	// cancelled caller is not. The bare sentinel itself satisfies net.Error
	// too and is excluded by identity.
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() && timeoutErr != context.DeadlineExceeded {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if httpCode == 0 {
		httpCode = HTTPCode(err)
	}
	if httpCode != 0 {
		switch {
		case httpCode == 429:
			return true
		case httpCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// Policy holds the backoff parameters for WithBackoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultPolicy mirrors the parameters used for exchange calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// WithBackoff invokes op up to p.MaxAttempts times, sleeping
// min(base*2^(attempt-1), max) plus random jitter between attempts. It
// re-raises immediately on the first non-retryable error and returns the last
// error after exhausting attempts. The inter-attempt sleep honours ctx, so
// cancellation propagates without delay.
func WithBackoff(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr, 0) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BaseDelay << (attempt - 1)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if p.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(p.Jitter)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", p.MaxAttempts, lastErr)
}
