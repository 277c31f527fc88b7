// Package ratelimit provides a Redis-backed fixed-window rate limit store
// for the API chassis. Counters live entirely in Redis so every instance
// behind the load balancer shares the same view of a client's budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"paygate/internal/core"
)

// CounterStore is the slice of the Redis API the fixed-window store uses.
// *redis.Client satisfies it.
type CounterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisStore implements core.RateLimitStore with per-window Redis counters.
//
// Each (key, window index) pair maps to one counter. INCR is atomic, so
// concurrent requests across instances never under-count. The counter's TTL
// is set on first increment and outlives the window slightly so a clock-skewed
// reader never sees a vanished counter mid-window.
type RedisStore struct {
	client CounterStore
}

var _ core.RateLimitStore = (*RedisStore)(nil)

// NewRedisStore creates a rate limit store backed by the given Redis client.
func NewRedisStore(client CounterStore) *RedisStore {
	return &RedisStore{client: client}
}

// IncrementAndCheck increments the counter for key in the current fixed
// window and reports whether the request is within the limit.
func (s *RedisStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	if window <= 0 {
		return core.RateLimitResult{}, fmt.Errorf("rate limit window must be positive, got %s", window)
	}

	windowSecs := int64(window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}
	now := time.Now().Unix()
	windowIndex := now / windowSecs
	resetAt := time.Unix((windowIndex+1)*windowSecs, 0)

	counterKey := fmt.Sprintf("rl:%s:%d", key, windowIndex)

	count, err := s.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("incrementing rate limit counter: %w", err)
	}

	if count == 1 {
		// First hit in this window owns the TTL. The extra window of slack
		// keeps the counter alive for late stragglers at the boundary.
		if err := s.client.Expire(ctx, counterKey, window*2).Err(); err != nil {
			return core.RateLimitResult{}, fmt.Errorf("setting rate limit counter TTL: %w", err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return core.RateLimitResult{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
