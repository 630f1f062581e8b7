// Package ratelimit guards key-issuance endpoints with a Redis-backed
// fixed-window counter, since a compromised business-scoped key could
// otherwise mint an unbounded number of IntegrationKeys.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter limits key-issuance attempts per business using Redis INCR+EXPIRE.
type Limiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// New creates a Limiter. maxAttempt is the max issuance calls allowed per
// business within window.
func New(rdb *redis.Client, maxAttempt int, window time.Duration) *Limiter {
	return &Limiter{redis: rdb, maxAttempt: maxAttempt, window: window}
}

// Result is the outcome of a Check.
type Result struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

// Check reports whether businessID may issue another key right now, without
// consuming an attempt. Pair with Record on the attempt's actual completion.
func (l *Limiter) Check(ctx context.Context, businessID string) (*Result, error) {
	key := fmt.Sprintf("key_issuance_ratelimit:%s", businessID)

	count, err := l.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking key issuance rate limit: %w", err)
	}

	if count >= l.maxAttempt {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading rate limit TTL: %w", err)
		}
		return &Result{Allowed: false, Remaining: 0, RetryAt: time.Now().Add(ttl)}, nil
	}

	return &Result{Allowed: true, Remaining: l.maxAttempt - count}, nil
}

// Record counts one key-issuance attempt against businessID, starting the
// window's TTL on the first attempt.
func (l *Limiter) Record(ctx context.Context, businessID string) error {
	key := fmt.Sprintf("key_issuance_ratelimit:%s", businessID)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording key issuance attempt: %w", err)
	}

	if incr.Val() == 1 {
		l.redis.Expire(ctx, key, l.window)
	}
	return nil
}
