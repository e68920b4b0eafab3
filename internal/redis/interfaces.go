package redis

import (
	"context"
	"time"

	"dispatchd/internal/geo"
)

// Locker is satisfied by distributed and in-process lock stores.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Ensure concrete types implement interfaces.
var (
	_ geo.Index   = (*LocationStore)(nil)
	_ geo.Sweeper = (*LocationStore)(nil)
	_ Locker      = (*LockStore)(nil)
)
