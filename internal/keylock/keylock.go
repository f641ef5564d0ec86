// Package keylock provides non-reentrant, non-blocking per-key locks.
//
// A key is either held or free. TryAcquire never waits: a second acquisition
// of a held key fails immediately, including from the same goroutine. There is
// no lock spanning several keys, so operations on different keys never
// contend.
package keylock

import "sync"

// Set is a collection of independent per-key locks. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New returns an empty lock set.
func New() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key and reports whether it succeeded.
func (s *Set) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[string]struct{})
	}
	if _, busy := s.held[key]; busy {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

// Release frees key. Releasing a free key is a no-op.
func (s *Set) Release(key string) {
	s.mu.Lock()
	delete(s.held, key)
	s.mu.Unlock()
}

// Held reports whether key is currently locked.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.held[key]
	return busy
}

// Len returns the number of held keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Do runs fn while holding key. When force is true the lock is neither
// checked nor taken and fn always runs. It reports whether fn ran.
func (s *Set) Do(key string, force bool, fn func()) bool {
	if force {
		fn()
		return true
	}
	if !s.TryAcquire(key) {
		return false
	}
	defer s.Release(key)
	fn()
	return true
}
