package harnessports

import "context"

// RateLimiter coordinates throughput towards agents and their upstreams.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
