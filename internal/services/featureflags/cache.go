package featureflags

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cachePrefix = "feature_flag:"
	cacheAllKey = cachePrefix + "all"
)

// Cache holds base definitions. A miss is (nil, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*Definition, error)
	Set(ctx context.Context, def Definition) error
	GetAll(ctx context.Context) ([]Definition, error)
	SetAll(ctx context.Context, defs []Definition) error
	Invalidate(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Definition, error) {
	raw, err := c.client.Get(ctx, cachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (c *RedisCache) Set(ctx context.Context, def Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cachePrefix+def.Key, data, c.ttl).Err()
}

func (c *RedisCache) GetAll(ctx context.Context) ([]Definition, error) {
	raw, err := c.client.Get(ctx, cacheAllKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var defs []Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *RedisCache) SetAll(ctx context.Context, defs []Definition) error {
	data, err := json.Marshal(defs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheAllKey, data, c.ttl).Err()
}

// Invalidate drops the flag's entry and the list entry that contains it.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, cachePrefix+key, cacheAllKey).Err()
}
