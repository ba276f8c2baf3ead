// Package distlock provides the named cluster-wide lock the claim protocol
// runs under. Locks are held only for compare-and-set windows, never for the
// duration of merge work.
package distlock

import "context"

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker acquires named locks. Lock blocks until the lock is acquired or ctx
// ends. Lock lifetime is bounded by the holder's session with the backing
// store: a crashed holder's locks release when its session dies.
type Locker interface {
	Lock(ctx context.Context, name string) (UnlockFunc, error)
}
