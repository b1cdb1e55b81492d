// redis.go -- go-redis client and the session registry.
//
// Sessions live under TOKEN-<account>-<fingerprint> with TTL matching the
// refresh lifetime. Revoking an account scans its prefix, so no side index
// needs to be kept in sync.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces. Disjoint so no operation touches another's keys.
const (
	sessionPrefix      = "TOKEN-"
	securityUsedPrefix = "SECURITY-USED-"

	// fingerprintLen is how many hex chars of the session hash go into the key.
	fingerprintLen = 20
)

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup; share the client across all Redis-backed stores.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisStore is the session registry plus single-use token bookkeeping.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a shared client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SessionKey returns the registry key for (accountID, secret):
// TOKEN-<account>-<first 20 hex chars of sha256(account + "-bp-" + base64(secret))>.
func SessionKey(accountID string, secret []byte) string {
	sum := sha256.Sum256([]byte(accountID + "-bp-" + base64.StdEncoding.EncodeToString(secret)))
	return sessionPrefix + accountID + "-" + hex.EncodeToString(sum[:])[:fingerprintLen]
}

// SecretHash is the value stored in RegisteredSession.SecretHash.
func SecretHash(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

// SetSession writes a session with the given TTL, replacing any previous value.
func (s *RedisStore) SetSession(ctx context.Context, key string, sess RegisteredSession, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// GetSession returns the session under key, or ErrCacheMiss if absent or expired.
func (s *RedisStore) GetSession(ctx context.Context, key string) (*RegisteredSession, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	var sess RegisteredSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes one session. Reports whether a key was deleted.
func (s *RedisStore) DeleteSession(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return n > 0, nil
}

// DeleteAccountSessions removes every session of accountID and returns how many.
// Sessions registered concurrently with the scan may survive.
func (s *RedisStore) DeleteAccountSessions(ctx context.Context, accountID string) (int, error) {
	match := sessionPrefix + escapeGlob(accountID) + "-" + strings.Repeat("?", fingerprintLen)

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scanning sessions: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("deleting sessions: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// MarkTokenUsed records jti as consumed for ttl. Returns false if it was already recorded.
func (s *RedisStore) MarkTokenUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ttl = max(ttl, time.Second)
	ok, err := s.rdb.SetNX(ctx, securityUsedPrefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("marking token used: %w", err)
	}
	return ok, nil
}

// escapeGlob backslash-escapes Redis MATCH metacharacters.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
