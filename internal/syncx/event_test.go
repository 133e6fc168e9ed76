package syncx

import (
	"sync"
	"testing"
	"time"
)

func TestEvent_ManualReset(t *testing.T) {
	e := NewEvent(true)
	if e.IsSet() {
		t.Fatal("new event should be unsignaled")
	}

	e.Set()
	if !e.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("expected signaled event")
	}
	if !e.IsSet() {
		t.Fatal("manual-reset event should stay signaled after a wait")
	}

	e.Reset()
	if e.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("expected timeout after Reset")
	}
}

func TestEvent_AutoReset(t *testing.T) {
	e := NewEvent(false)
	e.Set()
	if !e.WaitTimeout(0) {
		t.Fatal("expected signaled event")
	}
	if e.IsSet() {
		t.Fatal("auto-reset event should clear after releasing a waiter")
	}
	if e.WaitTimeout(5 * time.Millisecond) {
		t.Fatal("second wait should time out")
	}
}

func TestEvent_WaitWakesOnSet(t *testing.T) {
	e := NewEvent(false)
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	e.Set()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestEvent_ManualReleasesAllWaiters(t *testing.T) {
	e := NewEvent(true)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Wait()
		}()
	}
	e.Set()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters were released")
	}
}
