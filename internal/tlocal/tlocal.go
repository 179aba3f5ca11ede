// Package tlocal emulates the OS-thread-local storage the reference
// implementation relies on (thread_local flags and pointers in fiber.cc,
// scheduler.cc, and hook.cc collapsed into one facility here). Go has no
// direct thread_local equivalent — goroutines are not OS threads — so this
// package keys a sync.Map by the real Linux thread id (unix.Gettid) and
// relies on callers pinning the owning goroutine with runtime.LockOSThread
// before they read or write a slot. Scheduler worker goroutines pin once at
// startup for their whole lifetime; fiber goroutines pin only for each span
// they spend executing (see fiber.activate/deactivate).
package tlocal

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Slot is a single named thread-local value, generic over its payload type.
type Slot[T any] struct {
	name string
	vals sync.Map // tid (int) -> T
}

// NewSlot constructs a named slot. The name is purely for diagnostics.
func NewSlot[T any](name string) *Slot[T] {
	return &Slot[T]{name: name}
}

// Get returns the value stored for the calling OS thread, or the zero value
// and false if nothing has been set.
func (s *Slot[T]) Get() (T, bool) {
	v, ok := s.vals.Load(unix.Gettid())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Set stores a value for the calling OS thread.
func (s *Slot[T]) Set(v T) {
	s.vals.Store(unix.Gettid(), v)
}

// Clear removes any value stored for the calling OS thread. fiber's
// deactivate calls this on its current-fiber slot at the end of every
// execution span, before unpinning, so the next goroutine to run on that
// OS thread does not observe stale state.
func (s *Slot[T]) Clear() {
	s.vals.Delete(unix.Gettid())
}

// GetTid exposes the current OS thread id, matching what every Slot keys
// on. Exported so packages needing to tag state by thread (e.g. logging
// diagnostics) share the exact same identity source.
func GetTid() int {
	return unix.Gettid()
}
