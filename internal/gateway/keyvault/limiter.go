package keyvault

import (
	"context"
	"sync"
	"time"
)

// Limiter admits validate calls per caller within a rolling window
type Limiter interface {
	Allow(ctx context.Context, callerID string) (bool, error)
}

// RollingCounter is the Redis primitive behind RedisLimiter
type RollingCounter interface {
	AllowRolling(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// RedisLimiter shares the validate budget across gateway instances
type RedisLimiter struct {
	counter RollingCounter
	limit   int
	window  time.Duration
}

// NewRedisLimiter allows limit calls per caller per window
func NewRedisLimiter(counter RollingCounter, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{counter: counter, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, callerID string) (bool, error) {
	ok, _, err := l.counter.AllowRolling(ctx, "ratelimit:validate:"+callerID, l.limit, l.window)
	return ok, err
}

// MemoryLimiter is a single-process rolling window limiter
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

// NewMemoryLimiter allows limit calls per caller per window
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, callerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[callerID][:0]
	for _, t := range l.events[callerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.events[callerID] = kept
		return false, nil
	}
	l.events[callerID] = append(kept, now)
	return true, nil
}
