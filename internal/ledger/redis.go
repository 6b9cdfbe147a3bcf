package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-healer/internal/models"
)

// DefaultRedisKey is the list holding serialized outcome records.
const DefaultRedisKey = "healer:outcomes"

// RedisLedger stores outcomes as JSON entries of a Redis list so statistics
// survive restarts and are shared between replicas.
type RedisLedger struct {
	rdb *redis.Client
	key string
}

// NewRedisLedger wraps rdb; key defaults to DefaultRedisKey.
func NewRedisLedger(rdb *redis.Client, key string) *RedisLedger {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisLedger{rdb: rdb, key: key}
}

// Append pushes record onto the list.
func (l *RedisLedger) Append(ctx context.Context, record models.OutcomeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := l.rdb.RPush(ctx, l.key, data).Err(); err != nil {
		return fmt.Errorf("rpush outcome: %w", err)
	}
	return nil
}

// Records reads the whole list and applies filter client-side.
func (l *RedisLedger) Records(ctx context.Context, filter models.StatsFilter) ([]models.OutcomeRecord, error) {
	raw, err := l.rdb.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange outcomes: %w", err)
	}
	out := make([]models.OutcomeRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.OutcomeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
