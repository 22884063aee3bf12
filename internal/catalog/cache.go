package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/OtakuFlix/Telestore/internal/logging"
)

const cacheKeyPrefix = "telestore:file:"

// DefaultCacheTTL is used when CachedStore is created with a zero TTL.
const DefaultCacheTTL = 10 * time.Minute

// redisCmdable is the part of the go-redis client CachedStore uses.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore serves Get from redis and falls through to the wrapped store on
// a miss. Cache failures are logged and never fail a read. View and download
// counters in cached entries may lag by up to the TTL.
type CachedStore struct {
	store  Store
	redis  redisCmdable
	ttl    time.Duration
	logger logging.Logger
}

// NewCachedStore wraps store with a redis cache.
func NewCachedStore(store Store, client *redis.Client, ttl time.Duration, logger logging.Logger) *CachedStore {
	return newCachedStore(store, client, ttl, logger)
}

func newCachedStore(store Store, client redisCmdable, ttl time.Duration, logger logging.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{
		store:  store,
		redis:  client,
		ttl:    ttl,
		logger: logger.With("module", "catalog"),
	}
}

func (c *CachedStore) Get(ctx context.Context, id string) (*FileMetadata, error) {
	key := cacheKeyPrefix + id

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var f FileMetadata
		if err := json.Unmarshal(data, &f); err == nil {
			return &f, nil
		}
		c.logger.Warn(ctx, "discarding corrupt cache entry", "id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn(ctx, "cache read failed", "id", id, "error", err)
	}

	f, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(f); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn(ctx, "cache write failed", "id", id, "error", err)
		}
	}
	return f, nil
}

func (c *CachedStore) Put(ctx context.Context, f *FileMetadata) error {
	if err := c.store.Put(ctx, f); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, cacheKeyPrefix+f.ID).Err(); err != nil {
		c.logger.Warn(ctx, "cache invalidation failed", "id", f.ID, "error", err)
	}
	return nil
}

func (c *CachedStore) IncrementViews(ctx context.Context, id string) error {
	return c.store.IncrementViews(ctx, id)
}

func (c *CachedStore) IncrementDownloads(ctx context.Context, id string) error {
	return c.store.IncrementDownloads(ctx, id)
}
