package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares dedup records across processes. Records expire with the
// window via key TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisDedupKey(key string) string {
	return "dedup:" + key
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, redisDedupKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis lookup: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, record Record, window time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, redisDedupKey(key), raw, window).Err(); err != nil {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return nil
}
