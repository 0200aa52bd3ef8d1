package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "gdm:audit:"

// AuditCache is a read-through cache of audit CSV bodies keyed by object key.
type AuditCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewAuditCache(rdb redis.Cmdable, ttl time.Duration) *AuditCache {
	return &AuditCache{rdb: rdb, ttl: ttl}
}

// Get reports a miss as (nil, false, nil).
func (c *AuditCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *AuditCache) Set(ctx context.Context, key string, data []byte) error {
	return c.rdb.Set(ctx, cacheKeyPrefix+key, data, c.ttl).Err()
}

// Fill stores data only when the key is absent, so a read-through fill
// never replaces a body written by a newer Persist.
func (c *AuditCache) Fill(ctx context.Context, key string, data []byte) error {
	return c.rdb.SetNX(ctx, cacheKeyPrefix+key, data, c.ttl).Err()
}

func (c *AuditCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, cacheKeyPrefix+key).Err()
}
