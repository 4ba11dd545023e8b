package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the key/value store holding serialized latest-frame records.
// Get returns redis.Nil on a miss.
type Cache interface {
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis. Keys are stored under an
// optional namespace so several deployments can share one Redis.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache wraps client. A non-empty namespace is prefixed to every key
// as "<namespace>:".
func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{client: client, namespace: namespace}
}

// Set writes value with the given expiry.
func (c *RedisCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

// Get reads a value.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.key(key)).Result()
}

func (c *RedisCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}
