package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tably/crossed-paths/internal/config"
)

const pendingMatchQueue = "crossings:pending_match"

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// KeyForCrossedCount generates the Redis key for a user's active crossed-path count.
func (c *RedisCache) KeyForCrossedCount(userID uint64) string {
	return fmt.Sprintf("crossings:count:%d", userID)
}

func (c *RedisCache) SetCrossedCount(ctx context.Context, userID uint64, count int64) error {
	// Always refresh TTL when updating
	return c.Client.Set(ctx, c.KeyForCrossedCount(userID), count, time.Hour).Err()
}

func (c *RedisCache) GetCrossedCount(ctx context.Context, userID uint64) (int64, bool, error) {
	key := c.KeyForCrossedCount(userID)
	val, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil // cache miss
	} else if err != nil {
		return 0, false, err
	}
	// refresh TTL on access
	_ = c.Client.Expire(ctx, key, time.Hour).Err()
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// InvalidateCrossedCount drops both users' cached counts after a crossing
// or an expiry changes their active pairs.
func (c *RedisCache) InvalidateCrossedCount(ctx context.Context, userIDs ...uint64) error {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, c.KeyForCrossedCount(id))
	}
	return c.Client.Del(ctx, keys...).Err()
}

// AcquireSweepLock takes the expiry-sweep mutex via SETNX so horizontally
// scaled replicas never run overlapping sweeps. Returns false when another
// holder is active; release is the TTL (no explicit unlock needed for a
// sweep that is much shorter than the TTL).
func (c *RedisCache) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, "crossings:sweep_lock", time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// EnqueuePendingMatch stores a visit ID whose matcher pass failed, for
// at-least-once retry during the next sweep.
func (c *RedisCache) EnqueuePendingMatch(ctx context.Context, visitID uint64) error {
	return c.Client.RPush(ctx, pendingMatchQueue, strconv.FormatUint(visitID, 10)).Err()
}

// DequeuePendingMatch pops one queued visit ID. ok=false when the queue is empty.
func (c *RedisCache) DequeuePendingMatch(ctx context.Context) (uint64, bool, error) {
	val, err := c.Client.LPop(ctx, pendingMatchQueue).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
