package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface used for grading status snapshots and
// the scheduler's cross-process lock.
type Cache interface {
	BasicOps
	LockOps

	Ping(ctx context.Context) error
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value; a zero ttl means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
}

// LockOps defines token-fenced distributed lock operations.
// Only the holder of token can extend or release the lock.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}
