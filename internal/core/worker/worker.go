// Package worker runs the periodic maintenance loops of the job service.
package worker

import (
	"context"
	"time"
)

// Locker is a cluster-wide named lock. With several instances running, only
// the lock holder runs a pass.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// runEvery calls fn immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// withLock runs fn only if the lock is free. A nil locker always runs fn.
func withLock(ctx context.Context, l Locker, name, owner string, ttl time.Duration, fn func(context.Context)) (bool, error) {
	if l == nil {
		fn(ctx)
		return true, nil
	}
	ok, err := l.AcquireLock(ctx, name, owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() { _ = l.ReleaseLock(context.WithoutCancel(ctx), name, owner) }()
	fn(ctx)
	return true, nil
}
