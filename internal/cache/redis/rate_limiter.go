package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// RateLimiter implements a sliding-window limiter on a Redis sorted set.
// The window is evaluated and the slot taken in one script, so concurrent
// callers cannot overshoot the limit.
type RateLimiter struct {
	rdb    *goredis.Client
	prefix string
}

// NewRateLimiter creates a RateLimiter using the given client.
func NewRateLimiter(client *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    client.Raw(),
		prefix: "tradebot:ratelimit:",
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// Allow reports whether another event fits under limit within the trailing
// window, taking the slot when it does.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + key},
		now, window.Microseconds(), limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return res == 1, nil
}
