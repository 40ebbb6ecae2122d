package usage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrementScript performs the read-check-increment in one round
// trip. Returns {1, new_usage} on success, {0, remaining} on denial.
var checkAndIncrementScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key)) or 0
if current + amount > limit then
    local remaining = limit - current
    if remaining < 0 then
        remaining = 0
    end
    return {0, remaining}
end

local updated = redis.call("INCRBY", key, amount)
return {1, updated}
`)

// floorDecrementScript decrements without driving the counter negative.
var floorDecrementScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key)) or 0
local updated = current - amount
if updated < 0 then
    updated = 0
end
redis.call("SET", key, updated)
return updated
`)

// RedisTracker shares counters across processes via Redis. Both operations
// run as Lua scripts so concurrent crossings cannot race between check and
// increment.
type RedisTracker struct {
	client *redis.Client
}

// NewRedisTracker creates a tracker over an existing client.
func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

func redisCounterKey(tenantID, resourceType string) string {
	return fmt.Sprintf("usage:%s:%s", tenantID, resourceType)
}

func (t *RedisTracker) CheckAndIncrement(ctx context.Context, tenantID, resourceType string, amount, limit int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("usage: amount must be positive, got %d", amount)
	}

	res, err := checkAndIncrementScript.Run(ctx, t.client,
		[]string{redisCounterKey(tenantID, resourceType)}, amount, limit).Result()
	if err != nil {
		return 0, fmt.Errorf("usage: redis check-and-increment: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, fmt.Errorf("usage: invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	value, _ := results[1].(int64)

	if allowed != 1 {
		return 0, &ExceededError{
			TenantID:     tenantID,
			ResourceType: resourceType,
			Requested:    amount,
			Remaining:    value,
		}
	}
	return value, nil
}

func (t *RedisTracker) Decrement(ctx context.Context, tenantID, resourceType string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("usage: amount must be positive, got %d", amount)
	}
	err := floorDecrementScript.Run(ctx, t.client,
		[]string{redisCounterKey(tenantID, resourceType)}, amount).Err()
	if err != nil {
		return fmt.Errorf("usage: redis decrement: %w", err)
	}
	return nil
}
