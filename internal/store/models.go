// models.go -- Shared domain types for the store package.
// Used by both Postgres (accounts, delivery records) and Redis (sessions, limits, streams).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/boxgate/internal/apperr"
)

// ErrRateLimitExceeded is returned by Allow when the counter is over policy.
// It matches apperr.ErrRateLimitExceeded, so callers tell rate limit
// rejections from Redis failures with errors.Is.
var ErrRateLimitExceeded = apperr.Wrap(apperr.KindRateLimitExceeded, errors.New("rate limit exceeded"))

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrNotFound is returned by Postgres lookups that match no row.
var ErrNotFound = errors.New("not found")

// Account represents a row in the accounts table.
type Account struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisteredSession is the JSON shape stored under a TOKEN- key.
// The channel secret itself is never stored; only its hash.
type RegisteredSession struct {
	AccountID  string    `json:"account_id"`
	ClientID   string    `json:"client_id"`
	SecretHash string    `json:"secret_hash"`
	Scope      string    `json:"scope,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RateLimit defines a fixed-window policy.
// Zero MaxAttempts disables limiting.
type RateLimit struct {
	MaxAttempts int           // requests allowed per window
	Window      time.Duration // counter lifetime, starts at first request
}

// Notification is one entry in a recipient's stream.
// ID is the Redis stream id, monotonic per recipient.
type Notification struct {
	ID        string    `json:"id"`
	OptType   string    `json:"opt_type"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
