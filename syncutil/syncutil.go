// Package syncutil collects the primitive concurrency wrappers that every
// core package builds on: a mutex, a read/write mutex, and a counting
// semaphore. They exist so callers depend on one small surface instead of
// reaching into sync directly, mirroring how the reference implementation
// layers its own mutex/rw_mutex/semaphore primitives beneath everything
// else.
package syncutil

import "sync"

// Mutex is a plain mutual-exclusion lock. It exists as a distinct type so
// call sites document intent ("this guards core state") rather than reusing
// sync.Mutex anonymously everywhere.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock()   { m.mu.Lock() }
func (m *Mutex) Unlock() { m.mu.Unlock() }

// RWMutex is a reader/writer lock, used wherever a fast read path coexists
// with an occasional structural write (fd tables, config registries).
type RWMutex struct {
	mu sync.RWMutex
}

func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// Semaphore is a plain counting semaphore backed by a buffered channel. It
// has no context-cancellation contract by design: the reference semaphore
// primitive it stands in for is a blocking counting semaphore, nothing
// fancier.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore constructs a semaphore with the given number of permits.
// Panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("syncutil: semaphore capacity must be positive")
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() { s.slots <- struct{}{} }

// TryAcquire acquires a permit without blocking, reporting success.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit to the semaphore.
func (s *Semaphore) Release() { <-s.slots }
