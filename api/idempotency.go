package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisDeduper records idempotency keys for task creation in Redis so a
// retried request returns the task created by the first one.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

// Add claims the key. It returns false when the key was already claimed.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), pendingMarker, r.ttl).Result()
}

// Complete stores the response body for a claimed key.
func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, body []byte) error {
	return r.client.Set(ctx, r.key(userID, key), body, r.ttl).Err()
}

// Result returns the stored response for key. A nil slice with a nil error
// means the first request has not finished yet.
func (r *RedisDeduper) Result(ctx context.Context, userID, key string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if string(raw) == pendingMarker {
		return nil, nil
	}
	return raw, nil
}

// Remove deletes a claimed key so the caller may retry after a failure.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
