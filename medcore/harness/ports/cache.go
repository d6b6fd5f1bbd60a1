package harnessports

import (
	"context"
	"time"
)

// Cache memoizes expensive knowledge lookups. Implementations degrade to a
// miss on failure; callers must never treat the cache as a source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
