// Package resultcache stores structured inference results in redis so that
// repeated requests with identical inputs skip the model.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisCache implements pipeline.ResultCache.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects and pings redis.
func New(ctx context.Context, opts Options) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, opts.Prefix, opts.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached value and whether it was present.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores val with the base TTL plus up to a sixth of it as random offset,
// so entries written together do not expire together.
func (r *RedisCache) Set(ctx context.Context, key string, val []byte) error {
	jitter := time.Duration(rand.Int63n(int64(r.ttl)/6 + 1))
	return r.client.Set(ctx, r.prefix+key, val, r.ttl+jitter).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
