// Package lock serializes work per subject so that the read-decide-write
// sequence of a verification episode never interleaves with another writer.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the lock for key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

const defaultWait = 10 * time.Second

func withDefaultDeadline(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if wait <= 0 {
		wait = defaultWait
	}
	return context.WithTimeout(ctx, wait)
}
