// liveness.go -- Last-seen timestamps for client terminals.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	livenessKey = "CLIENT-LIVENESS"
	offlineMark = "-1"
)

// RedisLiveness keeps one hash field per client: last poll time in unix ms,
// or -1 once the client is known offline.
type RedisLiveness struct {
	rdb *redis.Client
}

// NewRedisLiveness wraps a shared client.
func NewRedisLiveness(rdb *redis.Client) *RedisLiveness {
	return &RedisLiveness{rdb: rdb}
}

// SetOnline stamps clientID with at.
func (l *RedisLiveness) SetOnline(ctx context.Context, clientID string, at time.Time) error {
	if err := l.rdb.HSet(ctx, livenessKey, clientID, strconv.FormatInt(at.UnixMilli(), 10)).Err(); err != nil {
		return fmt.Errorf("setting client online: %w", err)
	}
	return nil
}

// SetOffline marks clientID offline.
func (l *RedisLiveness) SetOffline(ctx context.Context, clientID string) error {
	if err := l.rdb.HSet(ctx, livenessKey, clientID, offlineMark).Err(); err != nil {
		return fmt.Errorf("setting client offline: %w", err)
	}
	return nil
}

// LastSeen returns the last online stamp for clientID. ok is false when the
// client was never seen or is marked offline.
func (l *RedisLiveness) LastSeen(ctx context.Context, clientID string) (at time.Time, ok bool, err error) {
	raw, err := l.rdb.HGet(ctx, livenessKey, clientID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("reading client liveness: %w", err)
	}
	if raw == offlineMark {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing client liveness %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
