package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// ResultTTL is how long predictions and diagnoses stay cached.
const ResultTTL = 5 * time.Minute

// Cache abstracts the Redis operations used by the use case. Get returns
// redis.Nil on a miss.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

func predictionKey(hash string) string { return "iris:prediction:" + hash }
func diagnosisKey(requestID string) string { return "iris:diagnosis:" + requestID }

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr and checks the connection.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
