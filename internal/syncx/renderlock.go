package syncx

import (
	"context"
	"time"
)

// RenderLock is a mutex with timed acquisition.
//
// One RenderLock is shared by every scheduler in a process so that only one
// tile renders at a time. Acquiring it is also how a caller proves that a
// canceled render has stopped touching its pixels.
type RenderLock struct {
	ch chan struct{}
}

// NewRenderLock creates an unlocked render lock.
func NewRenderLock() *RenderLock {
	return &RenderLock{ch: make(chan struct{}, 1)}
}

// Lock acquires the lock, blocking as long as necessary.
func (l *RenderLock) Lock() {
	l.ch <- struct{}{}
}

// Unlock releases the lock. Unlocking an unlocked RenderLock panics.
func (l *RenderLock) Unlock() {
	select {
	case <-l.ch:
	default:
		panic("syncx: unlock of unlocked RenderLock")
	}
}

// TryLock acquires the lock only if it is free.
func (l *RenderLock) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// LockTimeout waits at most d for the lock and reports whether it was acquired.
func (l *RenderLock) LockTimeout(d time.Duration) bool {
	if d <= 0 {
		return l.TryLock()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// LockContext waits for the lock until ctx is done.
func (l *RenderLock) LockContext(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Locked reports whether the lock is currently held.
func (l *RenderLock) Locked() bool {
	return len(l.ch) == 1
}
