package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrKeyNotFound is returned by Get when the key does not exist
var ErrKeyNotFound = errors.New("key not found")

// ErrContention is returned by Update when the key kept changing under it
var ErrContention = errors.New("redis: optimistic update contention")

const maxUpdateRetries = 5

type Client struct {
	client redis.UniversalClient
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Update applies fn to the current value of key inside a WATCH transaction.
// fn receives exists=false for a missing key. The write is retried when
// another client modifies the key concurrently.
func (c *Client) Update(ctx context.Context, key string, ttl time.Duration, fn func(current string, exists bool) (string, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		exists := true
		if err == redis.Nil {
			exists = false
		} else if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return ErrContention
}

// rollingWindowScript admits one event if fewer than limit events fall inside the window.
// KEYS[1] = sorted set key
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = member
//
// Returns {allowed (1|0), count after the call}
var rollingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	return {0, count}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1}
`)

// AllowRolling records one event under key and reports whether it fits in a
// rolling window of the given length. remaining is the headroom left.
func (c *Client) AllowRolling(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now().UnixMilli()
	res, err := rollingWindowScript.Run(ctx, c.client, []string{key},
		now, window.Milliseconds(), limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rolling window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rolling window: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return allowed == 1, remaining, nil
}
