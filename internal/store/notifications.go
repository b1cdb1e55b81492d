// notifications.go -- Per-recipient notification log on Redis Streams.
//
// One stream per recipient (NOTIFY-<recipient>). Stream ids give a total,
// monotonic order; entries stay until acknowledged with XDEL.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const notifyPrefix = "NOTIFY-"

// StreamStart reads a stream from its first entry.
const StreamStart = "0"

// RedisNotificationLog appends, reads, and deletes notification entries.
type RedisNotificationLog struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisNotificationLog wraps a shared client. maxLen caps each stream
// (approximate trim); zero means unbounded.
func NewRedisNotificationLog(rdb *redis.Client, maxLen int64) *RedisNotificationLog {
	return &RedisNotificationLog{rdb: rdb, maxLen: maxLen}
}

func notifyKey(recipient string) string { return notifyPrefix + recipient }

// Append adds n to recipient's stream and returns the assigned id.
func (l *RedisNotificationLog) Append(ctx context.Context, recipient string, n Notification) (string, error) {
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: notifyKey(recipient),
		ID:     "*",
		Values: map[string]any{
			"opt_type":   n.OptType,
			"request_id": n.RequestID,
			"payload":    base64.StdEncoding.EncodeToString(n.Payload),
			"created_at": strconv.FormatInt(createdAt.UnixMilli(), 10),
		},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("appending notification: %w", err)
	}
	return id, nil
}

// Read returns up to count entries with ids greater than afterID.
// block > 0 waits that long for new entries; block <= 0 returns immediately.
// An empty result is not an error.
func (l *RedisNotificationLog) Read(ctx context.Context, recipient, afterID string, count int64, block time.Duration) ([]Notification, error) {
	if afterID == "" {
		afterID = StreamStart
	}
	args := &redis.XReadArgs{
		Streams: []string{notifyKey(recipient), afterID},
		Count:   count,
		Block:   -1,
	}
	if block > 0 {
		// BLOCK 0 means forever, so never round down to it.
		args.Block = max(block, time.Millisecond)
	}
	streams, err := l.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading notifications: %w", err)
	}

	var out []Notification
	for _, s := range streams {
		for _, msg := range s.Messages {
			n, err := decodeNotification(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	}
	return out, nil
}

// Delete removes ids from recipient's stream and returns how many existed.
func (l *RedisNotificationLog) Delete(ctx context.Context, recipient string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := l.rdb.XDel(ctx, notifyKey(recipient), ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	return n, nil
}

// Len returns the number of pending entries for recipient.
func (l *RedisNotificationLog) Len(ctx context.Context, recipient string) (int64, error) {
	n, err := l.rdb.XLen(ctx, notifyKey(recipient)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return n, nil
}

func decodeNotification(msg redis.XMessage) (Notification, error) {
	field := func(name string) string {
		s, _ := msg.Values[name].(string)
		return s
	}
	payload, err := base64.StdEncoding.DecodeString(field("payload"))
	if err != nil {
		return Notification{}, fmt.Errorf("decoding notification %s payload: %w", msg.ID, err)
	}
	n := Notification{
		ID:        msg.ID,
		OptType:   field("opt_type"),
		RequestID: field("request_id"),
		Payload:   payload,
	}
	if ms, err := strconv.ParseInt(field("created_at"), 10, 64); err == nil {
		n.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return n, nil
}
