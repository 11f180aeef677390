package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelvault/authcore/pkg/errs"
)

// RedisCache implements Cache on top of a Redis client. It is shared by the
// credential cache, the session store, and the lock controller.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client (tests use miniredis).
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the underlying connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetValue returns the value for key or errs.ErrNotFound on miss.
func (c *RedisCache) GetValue(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("cache key %q: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("cache get %q: %w", key, errs.ErrInternal)
	}
	return value, nil
}

// SetValue stores value under key; zero ttl means no expiry.
func (c *RedisCache) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, errs.ErrInternal)
	}
	return nil
}

// DeleteKey removes key; removing a missing key is a no-op.
func (c *RedisCache) DeleteKey(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, errs.ErrInternal)
	}
	return nil
}

// SetIfAbsent places value under key only when the key does not exist.
func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %q: %w", key, errs.ErrInternal)
	}
	return ok, nil
}
