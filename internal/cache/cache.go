package cache

import "sync/atomic"

// Snapshot is a lock-free, read-optimized container holding an immutable
// value. One goroutine publishes; any number read.
type Snapshot[T any] struct {
	v   atomic.Pointer[T]
	gen atomic.Uint64
}

// Load returns the stored value, or the zero value if nothing was stored yet.
func (s *Snapshot[T]) Load() T {
	p := s.v.Load()
	if p == nil {
		var z T
		return z
	}
	return *p
}

// Store atomically swaps in the new value.
func (s *Snapshot[T]) Store(v T) {
	s.v.Store(&v)
	s.gen.Add(1)
}

// Generation counts stores; readers use it to detect a change cheaply.
func (s *Snapshot[T]) Generation() uint64 { return s.gen.Load() }
