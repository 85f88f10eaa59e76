// Package filelock provides cross-process advisory locking on named paths.
//
// Unlike the single-process sync.Mutex or Redis-backed lockers a server
// might use, kachery's sharing model is "multiple processes on one host"
// (spec.md §5), so locks here are backed by the kernel's flock(2)/LockFileEx
// primitive via github.com/gofrs/flock, scoped to a lock file rather than an
// in-memory key.
package filelock

import (
	"context"
	"fmt"

	"time"

	"github.com/gofrs/flock"
)

// flockRetryInterval is how often TryLockContext polls for the lock. kachery
// locks guard short read-modify-write operations on small JSON side-files,
// never network I/O, so a short poll interval is appropriate.
const flockRetryInterval = 5 * time.Millisecond

// Guard represents a held lock. Callers must call Release exactly once,
// typically via defer, on every code path including failure.
type Guard struct {
	fl        *flock.Flock
	exclusive bool
}

// Lock acquires an exclusive lock on the file at path, blocking until it is
// available or ctx is done. The lock file is created if it does not exist.
func Lock(ctx context.Context, path string) (*Guard, error) {
	return acquire(ctx, path, true)
}

// RLock acquires a shared lock on the file at path, blocking until it is
// available or ctx is done.
func RLock(ctx context.Context, path string) (*Guard, error) {
	return acquire(ctx, path, false)
}

func acquire(ctx context.Context, path string, exclusive bool) (*Guard, error) {
	fl := flock.New(path)

	var (
		ok  bool
		err error
	)

	if exclusive {
		ok, err = fl.TryLockContext(ctx, flockRetryInterval)
	} else {
		ok, err = fl.TryRLockContext(ctx, flockRetryInterval)
	}

	if err != nil {
		return nil, fmt.Errorf("error locking %q: %w", path, err)
	}

	if !ok {
		return nil, fmt.Errorf("error locking %q: %w", path, ctx.Err())
	}

	return &Guard{fl: fl, exclusive: exclusive}, nil
}

// Release releases the lock. Safe to call once; a second call is a no-op
// error that callers may ignore.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}

	if err := g.fl.Unlock(); err != nil {
		return fmt.Errorf("error unlocking %q: %w", g.fl.Path(), err)
	}

	return nil
}
