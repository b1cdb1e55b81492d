// Package notify delivers push notifications to client terminals.
//
// Each recipient (a client terminal acting for a user) has an ordered log.
// Push appends once per idempotency key; Poll long-polls the log and leaves
// entries in place until the client acknowledges them, so delivery is
// at-least-once and in push order.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/boxgate/internal/apperr"
	"github.com/MGallo-Code/boxgate/internal/clock"
	"github.com/MGallo-Code/boxgate/internal/store"
)

// Log is the per-recipient message log. Satisfied by *store.RedisNotificationLog.
type Log interface {
	Append(ctx context.Context, recipient string, n store.Notification) (string, error)
	Read(ctx context.Context, recipient, afterID string, count int64, block time.Duration) ([]store.Notification, error)
	Delete(ctx context.Context, recipient string, ids ...string) (int64, error)
}

// DeliveryRecords tracks idempotency keys and first delivery.
// Satisfied by *store.PostgresStore.
type DeliveryRecords interface {
	ClaimDelivery(ctx context.Context, key, recipient string) (claimed bool, existingID string, err error)
	AttachMessageID(ctx context.Context, key, messageID string) error
	ReleaseDelivery(ctx context.Context, key string) error
	MarkDelivered(ctx context.Context, recipient string, messageIDs []string) (int64, error)
}

// Recipient addresses a client terminal acting for a user.
type Recipient struct {
	ClientID string
	UserID   string
}

// Key is the log key for r.
func (r Recipient) Key() string { return RecipientKey(r.ClientID, r.UserID) }

// RecipientKey concatenates clientID and userID.
func RecipientKey(clientID, userID string) string { return clientID + userID }

// Message is what a producer pushes.
type Message struct {
	OptType        string
	RequestID      string
	Payload        []byte
	IdempotencyKey string // optional; repeats of the same key are stored once
}

// Config bounds polling.
type Config struct {
	DefaultCount int           // used when Poll gets maxCount <= 0
	MaxCount     int           // upper bound on maxCount
	MaxTimeout   time.Duration // upper bound on a single poll
	BlockSlice   time.Duration // longest single blocking read; ctx is checked between slices
}

// DefaultConfig returns the limits used when a field is zero.
func DefaultConfig() Config {
	return Config{
		DefaultCount: 10,
		MaxCount:     100,
		MaxTimeout:   25 * time.Second,
		BlockSlice:   250 * time.Millisecond,
	}
}

// Channel is the notification channel. Safe for concurrent use.
type Channel struct {
	log      Log
	records  DeliveryRecords
	liveness *LivenessTracker
	clock    clock.Clock
	cfg      Config
}

// NewChannel wires a Channel. records may be nil, in which case idempotency
// keys are ignored and delivery is not recorded.
func NewChannel(log Log, records DeliveryRecords, liveness *LivenessTracker, cfg Config, c clock.Clock) *Channel {
	def := DefaultConfig()
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = def.DefaultCount
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = def.MaxCount
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.BlockSlice <= 0 {
		cfg.BlockSlice = def.BlockSlice
	}
	if c == nil {
		c = clock.Real()
	}
	return &Channel{log: log, records: records, liveness: liveness, clock: c, cfg: cfg}
}

// Push appends msg to r's log and returns its id. If msg.IdempotencyKey was
// pushed before, nothing is appended and the original id is returned with
// duplicate set (the id is empty while the original push is still in flight).
func (c *Channel) Push(ctx context.Context, r Recipient, msg Message) (id string, duplicate bool, err error) {
	if r.ClientID == "" || r.UserID == "" {
		return "", false, apperr.Wrap(apperr.KindInvalidRequest, errors.New("recipient client and user required"))
	}
	if msg.OptType == "" {
		return "", false, apperr.Wrap(apperr.KindInvalidRequest, errors.New("opt_type required"))
	}
	key := r.Key()

	claimed := false
	if msg.IdempotencyKey != "" && c.records != nil {
		ok, existing, err := c.records.ClaimDelivery(ctx, msg.IdempotencyKey, key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return existing, true, nil
		}
		claimed = true
	}

	id, err = c.log.Append(ctx, key, store.Notification{
		OptType:   msg.OptType,
		RequestID: msg.RequestID,
		Payload:   msg.Payload,
		CreatedAt: c.clock.Now(),
	})
	if err != nil {
		if claimed {
			if rerr := c.records.ReleaseDelivery(context.WithoutCancel(ctx), msg.IdempotencyKey); rerr != nil {
				slog.Warn("failed to release delivery claim", "idempotency_key", msg.IdempotencyKey, "error", rerr)
			}
		}
		return "", false, err
	}

	if claimed {
		// The message is already in the log; a missing id only weakens duplicate replies.
		if err := c.records.AttachMessageID(ctx, msg.IdempotencyKey, id); err != nil {
			slog.Warn("failed to attach message id", "idempotency_key", msg.IdempotencyKey, "error", err)
		}
	}
	return id, false, nil
}

// Poll returns up to maxCount messages for r with ids after after ("" means
// from the oldest unacknowledged). It waits up to timeout for the first
// message; timeout <= 0 returns immediately. An empty result is not an error.
//
// A completed poll marks the client online. If ctx ends first the client is
// marked offline and ctx.Err() is returned.
func (c *Channel) Poll(ctx context.Context, r Recipient, after string, maxCount int, timeout time.Duration) ([]store.Notification, error) {
	if maxCount <= 0 {
		maxCount = c.cfg.DefaultCount
	}
	maxCount = min(maxCount, c.cfg.MaxCount)
	timeout = min(timeout, c.cfg.MaxTimeout)
	if after == "" {
		after = store.StreamStart
	}
	key := r.Key()
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, c.abandon(ctx, r, err)
		}

		var block time.Duration
		if timeout > 0 {
			block = min(c.cfg.BlockSlice, time.Until(deadline))
		}
		msgs, err := c.log.Read(ctx, key, after, int64(maxCount), block)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.abandon(ctx, r, ctxErr)
		}
		if err != nil {
			return nil, err
		}

		if len(msgs) > 0 || block <= 0 || !time.Now().Before(deadline) {
			c.markDelivered(ctx, key, msgs)
			c.touch(ctx, r)
			return msgs, nil
		}
	}
}

// Acknowledge deletes a delivered message. Reports false if it was already gone.
func (c *Channel) Acknowledge(ctx context.Context, r Recipient, id string) (bool, error) {
	n, err := c.log.Delete(ctx, r.Key(), id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Channel) markDelivered(ctx context.Context, key string, msgs []store.Notification) {
	if c.records == nil || len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := c.records.MarkDelivered(ctx, key, ids); err != nil {
		slog.Warn("failed to mark notifications delivered", "recipient", key, "error", err)
	}
}

func (c *Channel) touch(ctx context.Context, r Recipient) {
	if c.liveness == nil {
		return
	}
	if err := c.liveness.SetOnline(ctx, r.ClientID); err != nil {
		slog.Warn("failed to update liveness", "client_id", r.ClientID, "error", err)
	}
}

// abandon marks the client offline on a cancelled poll and returns cause.
func (c *Channel) abandon(ctx context.Context, r Recipient, cause error) error {
	if c.liveness != nil {
		if err := c.liveness.SetOffline(context.WithoutCancel(ctx), r.ClientID); err != nil {
			slog.Warn("failed to mark client offline", "client_id", r.ClientID, "error", err)
		}
	}
	return fmt.Errorf("poll abandoned: %w", cause)
}
