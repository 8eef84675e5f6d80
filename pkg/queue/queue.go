// Package queue is a thin Redis-backed dead-letter store: the event sink
// pushes an event here only after it has exhausted its in-process retry
// budget, so an operator can replay or inspect what never made it to the
// ledger without losing it when the process restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeadLetterKey is the Redis list every exhausted event submission lands on.
const DeadLetterKey = "eventsink:dlq"

// DeadLetter is the durable record of an event that exhausted retries.
type DeadLetter struct {
	Kind          string    `json:"kind"`
	DependencyKey string    `json:"dependency_key"`
	RoomID        string    `json:"room_id"`
	PeerID        string    `json:"peer_id"`
	LastError     string    `json:"last_error"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failed_at"`
}

// Queue pushes dead letters to and lists them back from Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue wraps a Redis client for dead-letter storage.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// PushDeadLetter durably records an exhausted event submission.
func (q *Queue) PushDeadLetter(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.client.RPush(ctx, DeadLetterKey, raw).Err(); err != nil {
		return fmt.Errorf("rpush dead letter: %w", err)
	}
	q.logger.Warn("event moved to dead-letter queue",
		zap.String("kind", dl.Kind), zap.String("dependency_key", dl.DependencyKey), zap.Int("attempts", dl.Attempts))
	return nil
}

// ListDeadLetters returns up to limit dead letters without removing them,
// oldest first; used by an operator inspecting stuck submissions.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raws, err := q.client.LRange(ctx, DeadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			q.logger.Warn("invalid dead letter payload", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
