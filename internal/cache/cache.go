// Package cache holds the contracts shared by the geometry cache tiers.
package cache

import (
	"context"
	"time"
)

// Remote is the shared cache tier. Get reports ok=false on a miss.
// *redisstore.Client satisfies it.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
