// ratelimit.go -- Fixed-window rate limiter backed by Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRatePrefix namespaces rate counters.
const DefaultRatePrefix = "RATE-"

// incrWindow increments the counter and starts the window on the first hit.
// Returns {count, remaining ms}. One script so a crash between INCR and
// PEXPIRE cannot leave an immortal counter.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {n, ttl}
`)

// RedisRateLimiter counts requests per key in fixed windows.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps a shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// RateLimitKey builds prefix + route + "-" + clientID.
func RateLimitKey(prefix, route, clientID string) string {
	return prefix + route + "-" + clientID
}

// Increment adds one to key and returns the new count and the window time left.
func (l *RedisRateLimiter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindow.Run(ctx, l.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate script reply %v", res)
	}
	return res[0], time.Duration(max(res[1], 0)) * time.Millisecond, nil
}

// Allow records a request against key. Returns ErrRateLimitExceeded (and the
// time until the window resets) once the count passes policy.MaxAttempts.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) (time.Duration, error) {
	if policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return 0, nil
	}
	n, ttl, err := l.Increment(ctx, key, policy.Window)
	if err != nil {
		return 0, err
	}
	if n > int64(policy.MaxAttempts) {
		return ttl, ErrRateLimitExceeded
	}
	return 0, nil
}
