package shareout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps cycle shareout summaries in Redis. Each cycle has a version
// counter baked into its key; invalidation bumps the counter so stale entries
// simply expire.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func versionKey(cycleID int64) string {
	return fmt.Sprintf("shareout:cycle:%d:version", cycleID)
}

func (c *Cache) version(ctx context.Context, cycleID int64) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(cycleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Fetch loads the cached summary or populates it using the loader.
func (c *Cache) Fetch(ctx context.Context, cycleID int64, dest *Shareout, loader func(context.Context) (Shareout, error)) error {
	if loader == nil {
		return errors.New("shareout: cache loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		*dest = value
		return nil
	}
	ver, err := c.version(ctx, cycleID)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("shareout:cycle:%d:summary:%d", cycleID, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Invalidate bumps the cycle version.
func (c *Cache) Invalidate(ctx context.Context, cycleID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(cycleID)).Err()
}
