//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-router/internal/shared/redis"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	c, err := redis.New(context.Background(), url)
	if err != nil {
		t.Fatalf("redis not available at %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAllowRolling_EnforcesLimit(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { c.Del(ctx, key) })

	for i := 0; i < 3; i++ {
		ok, _, err := c.AllowRolling(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, remaining, err := c.AllowRolling(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
}

func TestUpdate_SerializesWriters(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + t.Name()
	t.Cleanup(func() { c.Del(ctx, key) })

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Update(ctx, key, time.Minute, func(current string, exists bool) (string, error) {
				if exists {
					return "", errors.New("taken")
				}
				return "owner", nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	val, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "owner", val)
}

func TestGet_Missing(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Get(context.Background(), "test:missing:"+t.Name())
	assert.ErrorIs(t, err, redis.ErrKeyNotFound)
}
