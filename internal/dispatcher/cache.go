package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores encoded results of deterministic tasks.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, result json.RawMessage) error
}

const resultKeyPrefix = "bookcal:result:"

// RedisCache keeps results in Redis with a fixed TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and verifies the server answers.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisCache(client, ttl), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(data), true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, result json.RawMessage) error {
	return c.client.Set(ctx, resultKeyPrefix+key, []byte(result), c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
