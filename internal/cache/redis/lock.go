package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ccruz0/crypto-2.0-sub006/internal/domain"
)

// unlockScript releases a lock only when the caller still owns it, so an
// expired holder cannot release someone else's lock.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockManager acquires short-lived distributed locks via SET NX with a TTL.
type LockManager struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger
}

// NewLockManager creates a LockManager using the given client.
func NewLockManager(client *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		rdb:    client.Raw(),
		prefix: "tradebot:lock:",
		logger: logger.With(slog.String("component", "lock")),
	}
}

var _ domain.LockManager = (*LockManager)(nil)

// Acquire takes the named lock for at most ttl and returns a release func.
// It returns domain.ErrLockHeld when another holder owns the lock.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := m.prefix + key
	token := uuid.NewString()

	ok, err := m.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	release := func() {
		// Use a fresh context so release still runs when the caller's
		// context is already canceled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, m.rdb, []string{fullKey}, token).Err(); err != nil {
			m.logger.Warn("lock release failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
	return release, nil
}
