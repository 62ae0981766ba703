// Package ratelimit provides a Redis-backed fixed-window rate limiter
// shared by the WeChat gateway and any other outbound callers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts calls per key inside fixed windows. The first call in a
// window creates the counter with the window TTL; the window resets when
// the key expires.
type Limiter struct {
	rdb *redis.Client
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow increments the counter for key and reports whether the call is
// within limit for the current window. The increment and expiry run in a
// single pipeline so a crash between them cannot leave an immortal key.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return false, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: incrementing %q: %w", key, err)
	}

	return incr.Val() <= limit, nil
}

// Remaining reports how many calls are left in the current window without
// consuming one. Missing keys count as a fresh window.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int64) (int64, error) {
	used, err := l.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: reading %q: %w", key, err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
