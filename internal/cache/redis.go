package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions configure the shared cache backend.
type RedisOptions struct {
	URL          string        `mapstructure:"url"`
	Namespace    string        `mapstructure:"namespace"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// NewRedisClient parses the URL, applies timeouts and pings the server.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ReadTimeout > 0 {
		parsed.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		parsed.WriteTimeout = opts.WriteTimeout
	}
	if opts.DialTimeout > 0 {
		parsed.DialTimeout = opts.DialTimeout
	}

	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisCache shares cached lookups between processes.
type RedisCache struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
	logger     zerolog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
	entries atomic.Int64
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, namespace string, defaultTTL time.Duration, logger zerolog.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisCache{
		client:     client,
		namespace:  namespace,
		defaultTTL: defaultTTL,
		logger:     logger.With().Str("component", "cache_redis").Logger(),
	}
}

func (c *RedisCache) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// Get reads key; redis errors count as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Str("key", key).Msg("redis get failed; treating as miss")
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return raw, true
}

// Set writes key with a native expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("redis set failed")
	}
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

// ClearExpired lets redis expire entries itself and purges values that are
// not valid JSON.
func (c *RedisCache) ClearExpired(ctx context.Context) int {
	pattern := c.key("*")
	removed := 0
	seen := int64(0)

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		seen++
		k := iter.Val()
		raw, err := c.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		if !json.Valid(raw) {
			if err := c.client.Del(ctx, k).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis sweep interrupted")
	}

	c.entries.Store(seen - int64(removed))
	c.evicted.Add(uint64(removed))
	return removed
}

// Stats reports counters; Entries reflects the last sweep.
func (c *RedisCache) Stats() Stats {
	return Stats{
		Backend: "redis",
		Entries: int(c.entries.Load()),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
	}
}

var _ Cache = (*RedisCache)(nil)
