package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagecraft/orchestrator/internal/core"
)

// RedisCacheRepo implements the CacheRepository interface using Redis. It
// backs the admission dedup claims and the windowed budget counters.
type RedisCacheRepo struct {
	client redis.UniversalClient
}

// NewRedisCacheRepo creates a new RedisCacheRepo with the given Redis client.
func NewRedisCacheRepo(client redis.UniversalClient) *RedisCacheRepo {
	return &RedisCacheRepo{client: client}
}

// SetIfNotExists atomically claims a key only if it doesn't already exist.
// Uses Redis SET with NX and TTL options for guaranteed atomicity; SETNX plus
// a separate EXPIRE would race under concurrency.
func (r *RedisCacheRepo) SetIfNotExists(ctx context.Context, params core.SetIfNotExistsParams) (bool, error) {
	if params.Key == "" {
		return false, errors.New("key cannot be empty")
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = time.Second // minimum TTL
	}

	status, err := r.client.SetArgs(ctx, params.Key, params.Value, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if err != nil {
		// When the NX condition fails, go-redis reports redis.Nil; that is
		// "was not set", not an error.
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return status == "OK", nil
}

// Get retrieves a value by key. The second return is false when the key does
// not exist.
func (r *RedisCacheRepo) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key cannot be empty")
	}

	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return result, true, nil
}

// Delete removes a key.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrWithTTL increments a windowed counter, attaching the TTL when this
// increment created the key. Returns the post-increment value.
func (r *RedisCacheRepo) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, errors.New("key cannot be empty")
	}

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX so an existing window keeps its original expiry.
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr with ttl: %w", err)
	}
	return incr.Val(), nil
}

// Health checks the health of the Redis connection.
func (r *RedisCacheRepo) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
