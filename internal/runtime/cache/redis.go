package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/conduit/internal/runtime/codec"
)

// RedisCache is a Cache over Redis string keys.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client. Keys are stored as "{prefix}:{key}" when prefix
// is set. The caller owns the client lifecycle.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) formatKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	data, err := c.client.Get(ctx, c.formatKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("conduit: cache get %s: %w", key, err)
	}
	if dest == nil {
		return true, nil
	}
	if err := codec.UnmarshalJSON(data, dest); err != nil {
		return false, fmt.Errorf("conduit: cache decode %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := codec.MarshalJSON(value)
	if err != nil {
		return fmt.Errorf("conduit: cache encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.formatKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("conduit: cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.formatKey(key)).Err(); err != nil {
		return fmt.Errorf("conduit: cache delete %s: %w", key, err)
	}
	return nil
}
