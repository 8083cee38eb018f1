package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetsync.live/internal/core/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dlqKey        = "fleet:rejected"
	dlqMetaPrefix = "fleet:rejected:meta:"
)

// DeadLetterQueue keeps mutations the store rejected. Rejected writes are
// never retried; this is for operators only.
type DeadLetterQueue struct {
	client *redis.Client
	ttl    time.Duration
}

type DLQEntry struct {
	Mutation    domain.Mutation `json:"mutation"`
	FailureTime time.Time       `json:"failure_time"`
	Reason      string          `json:"reason"`
}

func NewDeadLetterQueue(client *redis.Client, ttl time.Duration) *DeadLetterQueue {
	return &DeadLetterQueue{client: client, ttl: ttl}
}

func entryKey(m domain.Mutation) string {
	if m.ID != "" {
		return m.ID
	}
	return uuid.NewString()
}

// AddRejected records a rejected mutation
func (dlq *DeadLetterQueue) AddRejected(ctx context.Context, m domain.Mutation, reason string) error {
	entry := DLQEntry{
		Mutation:    m,
		FailureTime: time.Now(),
		Reason:      reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	id := entryKey(m)
	pipe := dlq.client.TxPipeline()
	pipe.ZAdd(ctx, dlqKey, redis.Z{
		Score:  float64(entry.FailureTime.Unix()),
		Member: id,
	})
	pipe.Set(ctx, dlqMetaPrefix+id, data, dlq.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to DLQ: %w", err)
	}
	return nil
}

// Get retrieves a rejected mutation by id
func (dlq *DeadLetterQueue) Get(ctx context.Context, id string) (*DLQEntry, error) {
	data, err := dlq.client.Get(ctx, dlqMetaPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("mutation %s not found in DLQ", id)
		}
		return nil, fmt.Errorf("failed to get DLQ entry: %w", err)
	}

	var entry DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DLQ entry: %w", err)
	}
	return &entry, nil
}

// List returns rejected mutations, newest first
func (dlq *DeadLetterQueue) List(ctx context.Context, offset, limit int64) ([]*DLQEntry, error) {
	ids, err := dlq.client.ZRevRange(ctx, dlqKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ: %w", err)
	}

	entries := make([]*DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := dlq.Get(ctx, id)
		if err != nil {
			// metadata expired; prune the index
			dlq.client.ZRem(ctx, dlqKey, id)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (dlq *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	count, err := dlq.client.ZCard(ctx, dlqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ: %w", err)
	}
	return count, nil
}
