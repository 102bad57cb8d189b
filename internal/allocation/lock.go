package allocation

import (
	"context"
	"sync"
)

// Locker is the named mutual-exclusion resource guarding the
// read-candidates, pick, mark-allocated sequence. Lock blocks until the lock
// is held or ctx is done; the returned function releases it and is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MutexLocker is a process-wide Locker. Unlike sync.Mutex, waiting for it
// can be abandoned through the context.
type MutexLocker struct {
	name string
	sem  chan struct{}
}

// NewMutexLocker returns an unlocked MutexLocker.
func NewMutexLocker(name string) *MutexLocker {
	return &MutexLocker{name: name, sem: make(chan struct{}, 1)}
}

// Name returns the lock name.
func (l *MutexLocker) Name() string {
	return l.name
}

// Lock acquires the lock.
func (l *MutexLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-l.sem })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
