// Package redisconcurrency provides a best-effort Redis cache of in-flight
// task counts per concurrency identifier, consulted as a fast path so a busy
// worker pool doesn't have to run a CountProcessing scan against the
// authoritative Mongo collection on every claim attempt.
//
// The cache is never the source of truth: claiming a task is still an
// atomic MongoDB FindOneAndUpdate (taskqueue/mongo.Store.Claim), and a
// worker must always re-check the real concurrency limit against
// Store.CountProcessing before committing to process a claimed task. This
// mirrors how the Pulse stream wrapper (features/stream/pulse) narrows
// *redis.Client down to the handful of operations one component actually
// needs, rather than passing the raw client around.
package redisconcurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskqueue:concurrency:"

// Cache is the fast-path in-flight counter a worker consults before
// attempting a claim.
type Cache interface {
	// Incr increments the in-flight count for identifier and returns the
	// new value. TTL bounds how long a count survives an unclean worker
	// exit that never calls Decr.
	Incr(ctx context.Context, identifier string, ttl time.Duration) (int64, error)
	// Decr decrements the in-flight count for identifier, floored at zero.
	Decr(ctx context.Context, identifier string) error
}

// RedisCache is a Cache backed by a single Redis key per concurrency
// identifier.
type RedisCache struct {
	client *redis.Client
}

func New(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) Incr(ctx context.Context, identifier string, ttl time.Duration) (int64, error) {
	key := keyPrefix + identifier
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis taskqueue incr %q: %w", identifier, err)
	}
	if ttl > 0 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis taskqueue expire %q: %w", identifier, err)
		}
	}
	return n, nil
}

func (c *RedisCache) Decr(ctx context.Context, identifier string) error {
	key := keyPrefix + identifier
	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis taskqueue decr %q: %w", identifier, err)
	}
	// A worker that crashed mid-task and never got to Decr can otherwise
	// leave the counter negative once its TTL-surviving sibling does
	// eventually call Decr; clamp back to zero rather than let the fast
	// path report spare capacity that doesn't exist.
	if n < 0 {
		_ = c.client.Set(ctx, key, 0, 0).Err()
	}
	return nil
}
