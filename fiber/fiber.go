// Package fiber implements a stackful user-space execution context whose
// scheduling is not controlled by the kernel.
//
// The reference implementation this package is modeled on switches fiber
// contexts with ucontext (save/restore machine registers, swap stacks
// in-thread). Go exposes no such primitive without cgo or platform
// assembly, so this package takes the substitution the design explicitly
// allows: "any equivalent facility... cheap, preserves callee-saved
// registers, and does not touch signal masks on the hot path." Each fiber
// runs its closure on its own goroutine, and resume/yield hand control
// back and forth with a pair of unbuffered channels: exactly one side of
// the pair is ever runnable, which is the behavioral contract a stackful
// context switch provides.
//
// A fiber's goroutine is only pinned to an OS thread (runtime.LockOSThread)
// while it is actively executing, i.e. between a Resume that wakes it and
// the next Yield/return that parks it again. A fiber sitting in Hold or
// Ready holds no OS thread at all — pinning for the whole lifetime would
// mean every concurrently live fiber (including every fiber parked on an
// I/O wait) reserves a dedicated thread for as long as it exists, which is
// the thread-per-connection shape the fiber/epoll design exists to avoid.
// Scoping the pin to the execution span still gives thread-local lookups
// (see internal/tlocal) a stable identity for as long as the fiber is
// actually running, which is the only time anything reads them.
package fiber

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/internal/invariant"
	"github.com/momentics/hioload-fiber/internal/tlocal"
	"github.com/momentics/hioload-fiber/logging"
)

// State is a fiber's lifecycle state.
type State int32

const (
	Init State = iota
	Ready
	Exec
	Hold
	Term
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize seeds the fiber.stack_size ConfigVar below: the fallback
// stack size advertised to callers that don't specify one. Go does not
// preallocate fixed fiber stacks (goroutine stacks grow on demand), so the
// value is informational rather than an actual allocation size, but it is
// still a real, hot-reloadable setting that New consults, not a bare
// constant.
const DefaultStackSize uint32 = 1 << 20

// stackSizeVar is the process-wide fiber.stack_size ConfigVar, mirroring
// the reference's own named config key of the same name. A caller can
// reload it via control.Lookup(control.Default(), "fiber.stack_size", ...)
// to get back this exact variable.
var stackSizeVar = control.Lookup(control.Default(), "fiber.stack_size", int64(DefaultStackSize), "default fiber stack size in bytes (informational: Go stacks grow on demand)")

var idCounter atomic.Uint64

var (
	currentSlot = tlocal.NewSlot[*Fiber]("fiber.current")
	mainSlot    = tlocal.NewSlot[*Fiber]("fiber.main")
)

// onActivate and onDeactivate are process-wide callbacks fired around every
// span a non-main fiber spends actively executing (from the OS-thread pin
// going up to it coming back down). fiber itself never sets these; hook
// installs them at init so that OS-thread-local state like Enabled()/the
// current IOManager tracks whichever fiber currently owns the thread,
// instead of requiring every closure to bind and unbind by hand. Nil is a
// valid, no-op value, which is what a program that never imports hook sees.
var (
	onActivate   func(*Fiber)
	onDeactivate func(*Fiber)
)

// SetActivationHooks installs the process-wide activate/deactivate
// callbacks. Exactly one caller is expected in practice (hook's init), but
// nothing here enforces that; a later call simply replaces the pair.
func SetActivationHooks(activate, deactivate func(*Fiber)) {
	onActivate, onDeactivate = activate, deactivate
}

// Fiber is a stackful, cooperatively-scheduled execution context.
type Fiber struct {
	id           uint64
	state        atomic.Int32
	stackSize    uint32
	participates bool
	isMain       bool

	closure  func()
	started  atomic.Bool
	disposed atomic.Bool

	// userData is an arbitrary payload the fiber's owner can attach —
	// iomanager.IOManager tags every fiber it creates or schedules with
	// itself here, and hook's activation hooks read it back to know which
	// IOManager (if any) to bind for the fiber's execution span. fiber
	// never interprets the value.
	userData any

	resumeCh chan struct{}
	yieldCh  chan struct{}
}

// UserData returns the payload most recently attached with SetUserData, or
// nil if none has been set.
func (f *Fiber) UserData() any { return f.userData }

// SetUserData attaches an arbitrary payload to the fiber, overwriting any
// previous value.
func (f *Fiber) SetUserData(v any) { f.userData = v }

// NewMain wraps the calling goroutine as the "main" fiber of its OS thread.
// The main fiber borrows the thread's own stack instead of owning one; it
// starts in Exec. The caller must not have handed control to another
// goroutine that might migrate this one before calling NewMain — the
// function pins the calling goroutine to its OS thread via
// runtime.LockOSThread to guarantee that.
func NewMain() *Fiber {
	runtime.LockOSThread()
	f := &Fiber{
		id:           idCounter.Add(1),
		isMain:       true,
		participates: false,
	}
	f.state.Store(int32(Exec))
	f.started.Store(true)
	currentSlot.Set(f)
	mainSlot.Set(f)
	return f
}

// New allocates a child fiber that will run closure to completion when
// first resumed. participatesInScheduler is retained for data-model parity
// with the reference (it records whether the fiber swaps against a
// scheduler coroutine or a thread's main fiber) but has no behavioral
// effect here: the channel handoff always hands control back to whichever
// goroutine most recently called Resume, so no explicit peer bookkeeping
// is needed.
func New(closure func(), stackSize uint32, participatesInScheduler bool) *Fiber {
	if stackSize == 0 {
		stackSize = uint32(stackSizeVar.Get())
	}
	return &Fiber{
		id:           idCounter.Add(1),
		stackSize:    stackSize,
		participates: participatesInScheduler,
		closure:      closure,
		resumeCh:     make(chan struct{}),
		yieldCh:      make(chan struct{}),
	}
}

// ID returns the fiber's immutable, process-unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// IsMain reports whether this is a thread's main fiber.
func (f *Fiber) IsMain() bool { return f.isMain }

// Current returns the fiber executing on the calling OS thread, if any.
func Current() (*Fiber, bool) { return currentSlot.Get() }

// MainOfThread returns the main fiber of the calling OS thread, if one has
// been created.
func MainOfThread() (*Fiber, bool) { return mainSlot.Get() }

// Reset rebinds closure to a terminal or not-yet-started fiber and marks it
// Ready, amortizing the goroutine and channel allocation across reuse. It
// is illegal to call on a fiber that is Exec or Hold.
func (f *Fiber) Reset(closure func()) {
	st := f.State()
	invariant.Check(st == Term || st == Except || st == Init,
		"fiber %d: Reset called from state %s", f.id, st)
	f.closure = closure
	f.state.Store(int32(Ready))
}

// Resume transfers control from the calling fiber (if any) to f. It blocks
// until f next yields or terminates.
func (f *Fiber) Resume() {
	invariant.Check(!f.isMain, "fiber %d: main fiber cannot be resumed", f.id)
	st := f.State()
	invariant.Check(st != Exec && st != Term && st != Except,
		"fiber %d: Resume called from state %s", f.id, st)

	f.state.Store(int32(Exec))
	if f.started.CompareAndSwap(false, true) {
		go f.run()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// run is the fiber's dedicated goroutine body: it loops, executing whatever
// closure is bound at the time each Resume wakes it, pinning itself to an
// OS thread only for the span it spends actually running.
func (f *Fiber) run() {
	for {
		<-f.resumeCh
		if f.disposed.Load() {
			return
		}
		f.activate()
		f.execClosure()
		f.deactivate()
		f.yieldCh <- struct{}{}
	}
}

// activate pins the calling goroutine to its OS thread, installs f as that
// thread's current fiber, and fires the process-wide activation hook (see
// SetActivationHooks). deactivate reverses all three. Both are called only
// around an execution span — from a Resume/yieldSwap wakeup to the next
// Yield or return — so a Hold or Ready fiber owns no OS thread.
func (f *Fiber) activate() {
	runtime.LockOSThread()
	currentSlot.Set(f)
	if onActivate != nil {
		onActivate(f)
	}
}

func (f *Fiber) deactivate() {
	if onDeactivate != nil {
		onDeactivate(f)
	}
	currentSlot.Clear()
	runtime.UnlockOSThread()
}

func (f *Fiber) execClosure() {
	cl := f.closure
	// Dropped before running: in the reference this step is a mandatory
	// invariant (an ownership cycle would otherwise keep the stack, and
	// therefore its memory, alive past the fiber's own end). Go's
	// garbage collector reclaims reference cycles on its own, so nothing
	// breaks if this line is removed, but the drop still matters for
	// promptness: it releases whatever the closure captured as soon as
	// the closure itself no longer needs it, instead of waiting on GC.
	f.closure = nil
	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(Except))
			logging.System().Error("fiber closure panicked",
				zap.Uint64("fiber_id", f.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			return
		}
		if f.State() != Except {
			f.state.Store(int32(Term))
		}
	}()
	cl()
}

// yieldSwap hands control back to whichever goroutine is parked in the
// Resume call that most recently woke this fiber, then blocks until it is
// resumed again. It releases the fiber's OS thread for the duration of the
// wait and re-acquires one (possibly a different M) on the way back in.
func (f *Fiber) yieldSwap() {
	f.deactivate()
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.activate()
}

func (f *Fiber) checkYieldable(op string) {
	invariant.Check(!f.isMain, "fiber %d: main fiber cannot %s", f.id, op)
	invariant.Check(f.State() == Exec, "fiber %d: %s called from state %s", f.id, op, f.State())
}

// Yield suspends the calling fiber, transitioning Exec -> Hold (unless it
// is already terminal), and resumes whichever fiber called Resume on it.
func (f *Fiber) Yield() {
	f.checkYieldable("Yield")
	st := f.State()
	if st != Term && st != Except {
		f.state.Store(int32(Hold))
	}
	f.yieldSwap()
}

// YieldToReady marks the fiber Ready before yielding, signaling the
// scheduler to re-enqueue it rather than wait for an external wake.
func (f *Fiber) YieldToReady() {
	f.checkYieldable("YieldToReady")
	f.state.Store(int32(Ready))
	f.yieldSwap()
}

// YieldToHold marks the fiber Hold before yielding; the caller is
// expected to arrange external reactivation (an IOManager event, a timer,
// or another fiber calling Resume directly).
func (f *Fiber) YieldToHold() {
	f.checkYieldable("YieldToHold")
	f.state.Store(int32(Hold))
	f.yieldSwap()
}

// Dispose permanently retires a terminal (or never-started) fiber, exiting
// its dedicated goroutine if one was ever spawned. Skipping this on a fiber
// that will never be resumed again leaks that goroutine, parked forever on
// resumeCh; scheduler.execute calls it for exactly this reason once a
// Schedule-d task fiber reaches TERM/EXCEPT. It is illegal to dispose a
// fiber that is Exec or Hold.
func (f *Fiber) Dispose() {
	st := f.State()
	invariant.Check(st == Term || st == Except || st == Init,
		"fiber %d: Dispose called from state %s", f.id, st)
	if !f.disposed.CompareAndSwap(false, true) {
		return
	}
	if f.started.Load() {
		f.resumeCh <- struct{}{}
	}
}
