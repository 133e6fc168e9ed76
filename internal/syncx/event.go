// Package syncx provides the small synchronization primitives used by the
// render scheduler and the mapped images: a resettable event, the reentrant
// update-sequence guard and the shared render lock.
package syncx

import (
	"sync"
	"time"
)

// Event is a signal built on a mutex and condition variable.
//
// A manual-reset event stays signaled until Reset is called and releases every
// waiter. An auto-reset event releases a single waiter and clears itself.
type Event struct {
	mu     sync.Mutex
	cond   *sync.Cond
	set    bool
	manual bool
}

// NewEvent creates an event in the unsignaled state.
func NewEvent(manualReset bool) *Event {
	e := &Event{manual: manualReset}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Set signals the event.
func (e *Event) Set() {
	e.mu.Lock()
	e.set = true
	if e.manual {
		e.cond.Broadcast()
	} else {
		e.cond.Signal()
	}
	e.mu.Unlock()
}

// Reset clears the signal.
func (e *Event) Reset() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// IsSet reports whether the event is currently signaled.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is signaled.
func (e *Event) Wait() {
	e.mu.Lock()
	for !e.set {
		e.cond.Wait()
	}
	if !e.manual {
		e.set = false
	}
	e.mu.Unlock()
}

// WaitTimeout blocks until the event is signaled or d elapses.
// It returns false on timeout. A non-positive d polls the current state.
func (e *Event) WaitTimeout(d time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.set && d > 0 {
		deadline := time.Now().Add(d)
		timer := time.AfterFunc(d, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		defer timer.Stop()

		for !e.set && time.Now().Before(deadline) {
			e.cond.Wait()
		}
	}

	if !e.set {
		return false
	}
	if !e.manual {
		e.set = false
	}
	return true
}
