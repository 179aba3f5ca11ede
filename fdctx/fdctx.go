// Package fdctx implements the process-wide, index-addressed table of
// per-descriptor metadata the reference splits across
// IOManager::FdContext and FdCtx/FdManager. §3 of the design already
// describes their fields as one merged type, so this package implements a
// single FdContext and a single Registry rather than reproducing the
// split.
package fdctx

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/syncutil"
)

// TimeoutKind selects which of a descriptor's two directional timeouts an
// operation addresses.
type TimeoutKind int

const (
	Recv TimeoutKind = iota
	Send
)

// NoTimeout is the sentinel recv/send timeout value meaning "block
// indefinitely."
const NoTimeout int64 = -1

// EventContext is the (owning scheduler, waiter) pair attached to one
// direction (read or write) of one descriptor. Scheduler is any type
// capable of accepting a fiber or closure back into its run queue;
// iomanager.IOManager satisfies it. Waiter is either a *fiber.Fiber or a
// func(), matching the reference's FiberHandle|Closure union — modeled
// here as `any` and type-switched at trigger time by iomanager, since Go
// has no closed sum type.
type EventContext struct {
	Scheduler any
	Waiter    any
}

// FdContext holds everything known about one file descriptor: its
// kernel-vs-user-perceived blocking mode, per-direction timeouts, and the
// two EventContext slots hook and iomanager share.
type FdContext struct {
	mu syncutil.Mutex

	Fd           int
	IsInit       bool
	IsSocket     bool
	SysNonblock  bool
	UserNonblock bool

	RecvTimeoutMs int64
	SendTimeoutMs int64

	// Events is the epoll interest mask currently registered for this fd,
	// as a union of ReadMask/WriteMask (never includes EPOLLET, which
	// iomanager always applies separately).
	Events uint32

	Read  EventContext
	Write EventContext
}

// ReadMask and WriteMask are the epoll bit values EventContextFor
// dispatches on; they equal unix.EPOLLIN/EPOLLOUT so callers can pass an
// epoll event mask directly.
const (
	ReadMask  uint32 = unix.EPOLLIN
	WriteMask uint32 = unix.EPOLLOUT
)

// EventContextFor returns the EventContext slot matching direction (a
// single ReadMask or WriteMask bit). Must be called while holding the
// context's lock.
func (c *FdContext) EventContextFor(direction uint32) *EventContext {
	if direction&ReadMask != 0 {
		return &c.Read
	}
	return &c.Write
}

// Lock/Unlock expose the per-FdContext mutex directly: iomanager and hook
// both need to hold it across a read-modify-write of the event masks and
// EventContexts, and a fine-grained mutex per descriptor (rather than one
// global lock) is exactly what the reference specifies.
func (c *FdContext) Lock()   { c.mu.Lock() }
func (c *FdContext) Unlock() { c.mu.Unlock() }

func newFdContext(fd int) *FdContext {
	return &FdContext{
		Fd:            fd,
		RecvTimeoutMs: NoTimeout,
		SendTimeoutMs: NoTimeout,
	}
}

// init materializes a freshly created slot: fstat determines is_socket; if
// it is a socket, the kernel-level O_NONBLOCK bit is forced on via the
// unhooked fcntl regardless of what the user asked for, and sys_nonblock
// is recorded. Non-sockets are left alone and are never hooked.
func (c *FdContext) init() {
	c.IsInit = true

	var stat unix.Stat_t
	if err := unix.Fstat(c.Fd, &stat); err != nil {
		return
	}
	c.IsSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.IsSocket {
		return
	}

	flags, err := unix.FcntlInt(uintptr(c.Fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.Fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.SysNonblock = true
}

// Registry is a table mapping fd -> *FdContext.
type Registry struct {
	mu    syncutil.RWMutex
	slots []*FdContext
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide Registry singleton. hook and iomanager
// both resolve their FdContext lookups through this single instance, so a
// descriptor closed and reopened under a new number is guaranteed to see a
// fresh context regardless of which package touches it first, matching the
// design's "process-wide singleton, index-addressed by fd" contract.
func Default() *Registry { return defaultRegistry }

// Get resolves the FdContext for fd. If create is false and no context
// exists yet, it returns (nil, false). If create is true, it materializes
// one on demand, growing the backing table by 1.5x as needed; concurrent
// callers racing to create the same fd are guaranteed to observe exactly
// one resulting FdContext.
func (r *Registry) Get(fd int, create bool) (*FdContext, bool) {
	if fd < 0 {
		return nil, false
	}

	r.mu.RLock()
	if fd < len(r.slots) && r.slots[fd] != nil {
		ctx := r.slots[fd]
		r.mu.RUnlock()
		return ctx, true
	}
	r.mu.RUnlock()

	if !create {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.slots) && r.slots[fd] != nil {
		return r.slots[fd], true
	}
	if fd >= len(r.slots) {
		newLen := fd + 1
		grown := int(float64(len(r.slots)) * 1.5)
		if grown > newLen {
			newLen = grown
		}
		grownSlots := make([]*FdContext, newLen)
		copy(grownSlots, r.slots)
		r.slots = grownSlots
	}
	ctx := newFdContext(fd)
	ctx.init()
	r.slots[fd] = ctx
	return ctx, true
}

// Del drops the slot for fd. The table is not shrunk, since fd numbers are
// reused by the kernel.
func (r *Registry) Del(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= 0 && fd < len(r.slots) {
		r.slots[fd] = nil
	}
}

// SetTimeout records the per-direction timeout, in milliseconds, for a
// context (NoTimeout to block indefinitely).
func (c *FdContext) SetTimeout(kind TimeoutKind, ms int64) {
	c.Lock()
	defer c.Unlock()
	switch kind {
	case Recv:
		c.RecvTimeoutMs = ms
	case Send:
		c.SendTimeoutMs = ms
	}
}

// GetTimeout reads the per-direction timeout for a context.
func (c *FdContext) GetTimeout(kind TimeoutKind) int64 {
	c.Lock()
	defer c.Unlock()
	switch kind {
	case Recv:
		return c.RecvTimeoutMs
	default:
		return c.SendTimeoutMs
	}
}
