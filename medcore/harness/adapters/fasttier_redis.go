package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/redis/go-redis/v9"
)

// RedisFastTier stores each session as one JSON value with a Redis TTL.
type RedisFastTier struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFastTier stores sessions under "<prefix>:session:<id>".
func NewRedisFastTier(client redis.UniversalClient, prefix string) *RedisFastTier {
	return &RedisFastTier{client: client, prefix: prefix}
}

func (r *RedisFastTier) key(id string) string {
	return r.prefix + ":session:" + id
}

func (r *RedisFastTier) Load(ctx context.Context, sessionID string) (*ports.Session, error) {
	b, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ports.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s ports.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &s, nil
}

func (r *RedisFastTier) Save(ctx context.Context, s *ports.Session, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Touch extends the key TTL. The cached LastAccessedAt is left as written;
// the durable tier owns the authoritative value.
func (r *RedisFastTier) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	ok, err := r.client.Expire(ctx, r.key(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire session: %w", err)
	}
	if !ok {
		return ports.ErrSessionNotFound
	}
	return nil
}

func (r *RedisFastTier) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

var _ ports.FastTier = (*RedisFastTier)(nil)
