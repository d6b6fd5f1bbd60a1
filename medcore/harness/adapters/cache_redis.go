package adapters

import (
	"context"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache is a shared KnowledgeCache. Every Redis failure is reported as a
// miss (Get) or swallowed after logging (Put/Delete).
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

// NewRedisCache stores keys as "<prefix>:cache:<key>".
func NewRedisCache(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":cache:" + k
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis cache get failed; treating as miss")
		}
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis cache put failed")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("redis cache delete failed")
	}
	return nil
}

var _ ports.Cache = (*RedisCache)(nil)
