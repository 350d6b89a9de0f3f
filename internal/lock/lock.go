// Package lock provides a cross-process advisory file lock used to
// serialize the bind-or-proxy race at reuse-daemon startup: whichever
// process wins the lock binds the socket, and every loser falls back to
// proxying through it.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Acquire opens a lock file at path and blocks until an exclusive advisory
// lock is held. The returned cleanup function releases the lock.
func Acquire(path string) (func(), error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// TryAcquire attempts a non-blocking exclusive lock. It returns
// (cleanup, true, nil) on success, or (nil, false, nil) if another process
// already holds the lock.
func TryAcquire(path string) (func(), bool, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { _ = fl.Unlock() }, true, nil
}
