// Package permcache caches resolved permission levels per (subject, resource)
// pair. Entries are dropped explicitly whenever a grant changes.
package permcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eidos/api/internal/permission"
)

// Cache stores resolved levels. A miss is reported as ok == false.
type Cache interface {
	Get(ctx context.Context, subjectID, resourceID string) (permission.Level, bool, error)
	Set(ctx context.Context, subjectID, resourceID string, level permission.Level, ttl time.Duration) error
	Invalidate(ctx context.Context, subjectID, resourceID string) error
	InvalidateResource(ctx context.Context, resourceID string) error
}

// TTLFor caps ttl so a cached decision never outlives the share-link grant
// that contributed to it. A non-positive result means "do not cache".
func TTLFor(ttl time.Duration, now time.Time, expiry *time.Time) time.Duration {
	if expiry == nil {
		return ttl
	}
	if remaining := expiry.Sub(now); remaining < ttl {
		return remaining
	}
	return ttl
}

// RedisCache implements Cache on Redis. Each resource keeps a set of the
// subjects it has cached entries for, so a grant change can drop them all.
type RedisCache struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
}

func NewRedisCache(redisURL string, maxTTL time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, maxTTL), nil
}

func NewRedisCacheWithClient(client *redis.Client, maxTTL time.Duration) *RedisCache {
	if maxTTL <= 0 {
		maxTTL = time.Minute
	}
	return &RedisCache{
		client: client,
		prefix: "eidos:perm:",
		maxTTL: maxTTL,
	}
}

func (c *RedisCache) key(subjectID, resourceID string) string {
	return c.prefix + resourceID + ":" + subjectID
}

func (c *RedisCache) indexKey(resourceID string) string {
	return c.prefix + "idx:" + resourceID
}

func (c *RedisCache) Get(ctx context.Context, subjectID, resourceID string) (permission.Level, bool, error) {
	value, err := c.client.Get(ctx, c.key(subjectID, resourceID)).Result()
	if err == redis.Nil {
		return permission.LevelNone, false, nil
	}
	if err != nil {
		return permission.LevelNone, false, fmt.Errorf("get cached permission: %w", err)
	}
	level, err := permission.ParseLevel(value)
	if err != nil {
		return permission.LevelNone, false, fmt.Errorf("decode cached permission: %w", err)
	}
	return level, true, nil
}

// Set stores level for at most the cache's max TTL. A non-positive ttl is a
// no-op.
func (c *RedisCache) Set(ctx context.Context, subjectID, resourceID string, level permission.Level, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(subjectID, resourceID), level.String(), ttl)
	pipe.SAdd(ctx, c.indexKey(resourceID), subjectID)
	pipe.Expire(ctx, c.indexKey(resourceID), c.maxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache permission: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, subjectID, resourceID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key(subjectID, resourceID))
	pipe.SRem(ctx, c.indexKey(resourceID), subjectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate permission: %w", err)
	}
	return nil
}

func (c *RedisCache) InvalidateResource(ctx context.Context, resourceID string) error {
	subjects, err := c.client.SMembers(ctx, c.indexKey(resourceID)).Result()
	if err != nil {
		return fmt.Errorf("list cached subjects: %w", err)
	}
	keys := make([]string, 0, len(subjects)+1)
	for _, subjectID := range subjects {
		keys = append(keys, c.key(subjectID, resourceID))
	}
	keys = append(keys, c.indexKey(resourceID))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate resource permissions: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Nop never caches.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (permission.Level, bool, error) {
	return permission.LevelNone, false, nil
}

func (Nop) Set(context.Context, string, string, permission.Level, time.Duration) error { return nil }

func (Nop) Invalidate(context.Context, string, string) error { return nil }

func (Nop) InvalidateResource(context.Context, string) error { return nil }
