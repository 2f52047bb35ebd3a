// Package pending buffers undeliverable events in Redis so a client that was
// offline when a publish happened can pick them up on its next connection.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one buffered event, stored in delivery order.
type Message struct {
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt int64           `json:"queued_at"`
}

// Store keeps a capped per-account list of missed events. The list and its
// TTL are refreshed on every append, so an account that keeps receiving
// events keeps its buffer alive until it drains it.
type Store struct {
	rdb *redis.Client
	max int
	ttl time.Duration
}

// NewStore creates a pending buffer over the given Redis client. max bounds
// the per-account list length; older entries are trimmed first.
func NewStore(rdb *redis.Client, max int, ttl time.Duration) *Store {
	return &Store{rdb: rdb, max: max, ttl: ttl}
}

func pendingKey(accountID int64) string {
	return "pending:" + strconv.FormatInt(accountID, 10)
}

// Append buffers one event for the account. The list is capped with LTRIM so
// a flood of events for a long-offline account cannot grow without bound.
func (s *Store) Append(ctx context.Context, accountID int64, channel string, payload json.RawMessage) error {
	entry, err := json.Marshal(Message{
		Channel:  channel,
		Payload:  payload,
		QueuedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal pending message: %w", err)
	}

	key := pendingKey(accountID)
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, int64(-s.max), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append pending message: %w", err)
	}
	return nil
}

// Drain returns every buffered message for the account, oldest first, and
// deletes the buffer in the same transaction. Entries that fail to decode
// are skipped rather than wedging the drain.
func (s *Store) Drain(ctx context.Context, accountID int64) ([]Message, error) {
	key := pendingKey(accountID)
	pipe := s.rdb.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain pending messages: %w", err)
	}

	raw := entries.Val()
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}
