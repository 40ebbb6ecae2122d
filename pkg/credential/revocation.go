package credential

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RevocationCache answers whether a token id is revoked. Implementations
// must return an error (not false) when the answer cannot be determined; the
// gate converts that error into a denial.
type RevocationCache interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationCache is an in-process revocation set.
type MemoryRevocationCache struct {
	mu      sync.RWMutex
	revoked map[string]bool
}

// NewMemoryRevocationCache creates an empty cache.
func NewMemoryRevocationCache() *MemoryRevocationCache {
	return &MemoryRevocationCache{revoked: make(map[string]bool)}
}

// Revoke marks a token id as revoked.
func (c *MemoryRevocationCache) Revoke(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenID] = true
}

func (c *MemoryRevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revoked[tokenID], nil
}

// RedisRevocationCache checks revocation against a shared Redis set. Token
// ids are written by the identity service under "revoked:<jti>".
type RedisRevocationCache struct {
	client *redis.Client
}

// NewRedisRevocationCache creates a cache over an existing client.
func NewRedisRevocationCache(client *redis.Client) *RedisRevocationCache {
	return &RedisRevocationCache{client: client}
}

func (c *RedisRevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.client.Exists(ctx, "revoked:"+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation lookup: %w", err)
	}
	return n > 0, nil
}
