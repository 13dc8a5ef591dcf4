package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Redis-backed implementation of Cache. Values are stored as
// JSON, so anything placed in the cache must round-trip through
// encoding/json; tool results do.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
	stats  struct {
		hits      atomic.Int64
		misses    atomic.Int64
		sets      atomic.Int64
		evictions atomic.Int64
	}
}

// Compile-time interface assertion.
var _ Cache = (*RedisCache)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// NewRedis creates a new Redis-backed cache and verifies connectivity with a
// ping before returning.
func NewRedis(config RedisConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}

	logger.Info("connected to redis cache", "addr", config.Addr, "db", config.DB)

	return &RedisCache{
		client: client,
		logger: logger,
	}, nil
}

// Ping probes the Redis server. Used by readiness checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(key string) (any, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis get failed", "key", key, "error", err)
		c.stats.misses.Add(1)
		return nil, false
	}

	var result any
	if err := json.Unmarshal(val, &result); err != nil {
		c.logger.Warn("redis value unmarshal failed", "key", key, "error", err)
		c.stats.misses.Add(1)
		return nil, false
	}

	c.stats.hits.Add(1)
	return result, true
}

// Set stores a value in Redis with the given TTL.
func (c *RedisCache) Set(key string, value any, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis value marshal failed", "key", key, "error", err)
		return
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", "key", key, "error", err)
		return
	}

	c.stats.sets.Add(1)
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("redis delete failed", "key", key, "error", err)
	}
}

// Clear removes all values from the current Redis database.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.FlushDB(ctx).Err(); err != nil {
		c.logger.Warn("redis flush failed", "error", err)
	}
}

// Stats returns cache statistics. CurrentSize reflects the whole Redis
// database, which is accurate as long as the database is dedicated to this
// cache.
func (c *RedisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		c.logger.Warn("redis dbsize failed", "error", err)
		size = 0
	}

	return Stats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		Evictions:   c.stats.evictions.Load(),
		CurrentSize: int(size),
	}
}

// Close releases the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
