package syncx

import (
	"context"
	"testing"
	"time"
)

func TestRenderLock_TryAndTimeout(t *testing.T) {
	l := NewRenderLock()
	if !l.TryLock() {
		t.Fatal("TryLock on free lock failed")
	}
	if !l.Locked() {
		t.Fatal("Locked() = false while held")
	}
	if l.TryLock() {
		t.Fatal("TryLock on held lock succeeded")
	}
	start := time.Now()
	if l.LockTimeout(20 * time.Millisecond) {
		t.Fatal("LockTimeout on held lock succeeded")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("LockTimeout returned too early")
	}

	l.Unlock()
	if !l.LockTimeout(20 * time.Millisecond) {
		t.Fatal("LockTimeout on free lock failed")
	}
	l.Unlock()
}

func TestRenderLock_LockContext(t *testing.T) {
	l := NewRenderLock()
	l.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.LockContext(ctx); err == nil {
		t.Fatal("expected context error")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Unlock()
	}()
	if err := l.LockContext(context.Background()); err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	l.Unlock()
}

func TestRenderLock_UnlockUnlockedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRenderLock().Unlock()
}
