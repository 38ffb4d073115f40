package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a key/value cache with TTL and prefix invalidation.
type Store interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeleteByPrefix removes every key starting with prefix and returns how many were removed.
	// Deleting is idempotent so concurrent callers need no coordination.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// Generation returns the invalidation generation of scope, 0 if it was never bumped.
	// Generations are not removed by DeleteByPrefix.
	Generation(ctx context.Context, scope string) (int64, error)

	// Bump advances the generation of scope and returns the new value.
	Bump(ctx context.Context, scope string) (int64, error)

	Close() error
}
