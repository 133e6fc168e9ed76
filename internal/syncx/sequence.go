package syncx

import "sync"

// SequenceLock serializes update sequences.
//
// A sequence is begun with Begin, which returns a *Sequence guard. The holder
// of a guard may re-enter the lock with Nest without blocking itself; any
// other caller of Begin blocks until every guard of the current sequence has
// ended. From the point of view of other goroutines it behaves like a plain
// mutex.
type SequenceLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Sequence
	depth int
}

// Sequence is a guard for one level of an update sequence.
type Sequence struct {
	lock  *SequenceLock
	root  *Sequence
	ended bool
}

// NewSequenceLock creates an unlocked sequence lock.
func NewSequenceLock() *SequenceLock {
	l := &SequenceLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Begin starts a new sequence, blocking while another sequence is open.
func (l *SequenceLock) Begin() *Sequence {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.owner != nil {
		l.cond.Wait()
	}
	s := &Sequence{lock: l}
	s.root = s
	l.owner = s
	l.depth = 1
	return s
}

// TryBegin starts a new sequence only if the lock is free.
func (l *SequenceLock) TryBegin() (*Sequence, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil {
		return nil, false
	}
	s := &Sequence{lock: l}
	s.root = s
	l.owner = s
	l.depth = 1
	return s, true
}

// Held reports whether any sequence is open.
func (l *SequenceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != nil
}

// Depth returns the nesting depth of the open sequence, or 0.
func (l *SequenceLock) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// Nest re-enters the lock on behalf of the sequence that owns s.
// It panics if s has already ended or its sequence no longer owns the lock.
func (s *Sequence) Nest() *Sequence {
	l := s.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.ended || l.owner != s.root {
		panic("syncx: Nest on a sequence that does not own the lock")
	}
	l.depth++
	return &Sequence{lock: l, root: s.root}
}

// End leaves one level of the sequence. The lock is released when the
// outermost level ends. Calling End twice on the same guard is a no-op.
func (s *Sequence) End() {
	l := s.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.ended || l.owner != s.root {
		return
	}
	s.ended = true
	l.depth--
	if l.depth <= 0 {
		l.depth = 0
		l.owner = nil
		l.cond.Broadcast()
	}
}

// Active reports whether the guard still belongs to the open sequence.
func (s *Sequence) Active() bool {
	l := s.lock
	l.mu.Lock()
	defer l.mu.Unlock()
	return !s.ended && l.owner == s.root
}
