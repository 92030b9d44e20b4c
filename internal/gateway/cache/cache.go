package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-router/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-router/internal/shared/redis"
)

const catalogKey = "cache:catalog:v1"

// ErrMiss is returned when no snapshot is cached
var ErrMiss = errors.New("cache: miss")

// KV is the subset of the Redis client the cache needs
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Cache shares registry catalog snapshots through Redis
type Cache struct {
	redis KV
	key   string
}

// New creates a new cache instance
func New(redisClient KV) *Cache {
	return &Cache{redis: redisClient, key: catalogKey}
}

// Get retrieves the cached catalog snapshot
func (c *Cache) Get(ctx context.Context) (*registry.Catalog, error) {
	val, err := c.redis.Get(ctx, c.key)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}

	var catalog registry.Catalog
	if err := json.Unmarshal([]byte(val), &catalog); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached catalog: %w", err)
	}
	return &catalog, nil
}

// Set stores a catalog snapshot
func (c *Cache) Set(ctx context.Context, catalog *registry.Catalog, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}
	return c.redis.Set(ctx, c.key, string(data), ttl)
}

// Invalidate drops the cached snapshot
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.redis.Del(ctx, c.key)
}
