package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rhythm-ranking/internal/config"
)

// RateLimiter is a fixed-window request counter keyed by caller
type RateLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	keyPrefix   string
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter creates a new RateLimiter
func NewRateLimiter(client *redis.Client, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client:      client,
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		keyPrefix:   cfg.KeyPrefix,
	}
}

// Allow counts one request for the caller and reports whether it is within
// the window's budget. Callers should let the request through when an error
// is returned.
func (l *RateLimiter) Allow(ctx context.Context, caller string) (Decision, error) {
	key := fmt.Sprintf("%s:%s", l.keyPrefix, caller)

	count64, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true, Limit: l.maxRequests}, fmt.Errorf("counting request: %w", err)
	}
	count := int(count64)

	// The first request of a window starts its expiry
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Decision{Allowed: true, Limit: l.maxRequests}, fmt.Errorf("setting window expiry: %w", err)
		}
	}

	retryAfter, err := l.client.TTL(ctx, key).Result()
	if err != nil || retryAfter < 0 {
		retryAfter = l.window
	}

	return Decision{
		Allowed:    count <= l.maxRequests,
		Limit:      l.maxRequests,
		Remaining:  max(l.maxRequests-count, 0),
		RetryAfter: retryAfter,
	}, nil
}
