// Package redis provides an optional cache for serialized search
// responses. The cache is strictly best-effort: callers treat every
// error other than ErrCacheMiss as a miss and fall through to the
// backends, so an unreachable Redis never fails a search.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grantline/grantline/internal/config"
	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

// keyPrefix namespaces every cache key so the instance can be shared
// with other applications.
const keyPrefix = "grantline:"

// ErrCacheMiss reports that the requested key is not in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-serialized values under prefixed keys with a fixed
// TTL.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewCache builds a cache over a standalone Redis client. The
// connection is established lazily; call Ping for an eager check.
func NewCache(cfg config.CacheConfig, logger logging.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{
		rdb:    rdb,
		ttl:    cfg.TTL,
		logger: logger.Named("redis"),
	}
}

// Get unmarshals the value stored at key into dest. An absent key
// returns ErrCacheMiss; any other error means the cache or the payload
// is unusable.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		c.logger.Warn("cache get failed", logging.String("key", key), logging.Err(err))
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "cache get failed")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache payload corrupt", logging.String("key", key), logging.Err(err))
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "cache payload corrupt")
	}
	return nil
}

// Set stores the JSON serialization of value at key for the configured
// TTL. Failures are logged here so callers can fire and forget.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "cache payload encode failed")
	}
	if err := c.rdb.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", logging.String("key", key), logging.Err(err))
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "cache set failed")
	}
	return nil
}

// Ping verifies connectivity to the Redis server.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "redis ping failed")
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
