// Package scheduler implements an N:M work-stealing-style dispatcher that
// multiplexes fibers across a worker OS-thread pool: a FIFO task queue, a
// pick-and-run loop, an idle coroutine hook, and optional caller-thread
// participation. It is grounded on the reference's scheduler.h/scheduler.cc
// for the algorithm and on the teacher repository's
// internal/concurrency/executor.go for the worker-goroutine shape (a
// per-worker loop that reports its exit on a shared done channel). The
// ready queue is backed by
// github.com/eapache/queue, the teacher's own declared-but-never-imported
// dependency.
package scheduler

import (
	"runtime"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/invariant"
	"github.com/momentics/hioload-fiber/syncutil"
)

// ScheduleEntry is one unit of scheduled work: either a fiber to resume or
// a closure to run on a cached wrapper fiber, optionally pinned to a
// specific worker.
type ScheduleEntry struct {
	Fiber        *fiber.Fiber
	Closure      func()
	PinnedThread int // -1 means "any worker"
}

// AnyThread is the PinnedThread sentinel meaning "no affinity."
const AnyThread = -1

// IdleFunc performs one iteration of a worker's idle behavior. The bare
// Scheduler's default parks the calling fiber with YieldToHold until
// Stopping() becomes true; IOManager supplies an override that runs an
// epoll wait bounded by the next timer deadline.
type IdleFunc func(s *Scheduler, workerID int)

// StoppingFunc reports whether a worker may exit its run loop. IOManager
// extends the base predicate with "no pending I/O and no pending timers."
type StoppingFunc func(s *Scheduler) bool

// Scheduler is a named worker pool that multiplexes fibers and closures
// drawn from a single FIFO queue.
type Scheduler struct {
	Name string

	mu    syncutil.Mutex
	ready *queue.Queue

	activeWorkers atomic.Int32
	idleWorkers   atomic.Int32

	autoStop  atomic.Bool
	stopped   atomic.Bool
	useCaller bool
	rootTid   int

	workerCount int
	started     atomic.Bool
	doneCh      chan struct{}
	callerDone  chan struct{}

	IdleFn     IdleFunc
	StoppingFn StoppingFunc
	TickleFn   func()

	// NewFiberFn constructs every fiber the scheduler itself creates (the
	// per-worker idle fiber, the reusable closure-wrapper fiber). It
	// defaults to fiber.New; IOManager overrides it to also tag the fiber
	// with itself via Fiber.SetUserData, so hook's activation callbacks
	// know which IOManager to bind for the fiber's execution span. A
	// worker's own dispatcher goroutine never runs application or hooked
	// code directly — it only resumes fibers and waits — so tagging
	// fibers is where binding has to happen, not the dispatcher goroutine
	// scheduler.Start spawns.
	NewFiberFn func(closure func(), stackSize uint32, participates bool) *fiber.Fiber
}

// New constructs a scheduler with the given number of worker threads. If
// useCaller is true, the calling goroutine becomes worker 0 and must later
// call Run to participate; the remaining threads-1 workers are spawned by
// Start.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads < 1 {
		threads = 1
	}
	s := &Scheduler{
		Name:      name,
		ready:     queue.New(),
		useCaller: useCaller,
		rootTid:   -1,
	}
	if useCaller {
		s.workerCount = threads - 1
	} else {
		s.workerCount = threads
	}
	if s.workerCount < 0 {
		s.workerCount = 0
	}
	s.IdleFn = defaultIdle
	s.StoppingFn = defaultStopping
	s.TickleFn = func() {}
	s.NewFiberFn = fiber.New
	return s
}

func defaultIdle(s *Scheduler, _ int) {
	cur, ok := fiber.Current()
	invariant.Check(ok, "scheduler: idle invoked outside a fiber context")
	cur.YieldToHold()
}

func defaultStopping(s *Scheduler) bool {
	s.mu.Lock()
	empty := s.ready.Length() == 0
	s.mu.Unlock()
	return s.autoStop.Load() && empty && s.activeWorkers.Load() == 0
}

// Stopping reports whether the scheduler may finish shutting down.
func (s *Scheduler) Stopping() bool { return s.StoppingFn(s) }

// AutoStopRequested reports whether Stop has been called, independent of
// whether shutdown preconditions (empty queue, no active workers) are yet
// satisfied. IOManager's StoppingFn override composes this with its own
// I/O and timer conditions.
func (s *Scheduler) AutoStopRequested() bool { return s.autoStop.Load() }

// Schedule enqueues a fiber for later execution, optionally pinned to a
// specific worker id.
func (s *Scheduler) Schedule(f *fiber.Fiber, pinnedThread int) {
	s.enqueue(ScheduleEntry{Fiber: f, PinnedThread: pinnedThread})
}

// ScheduleClosure enqueues a closure for later execution on a cached
// wrapper fiber.
func (s *Scheduler) ScheduleClosure(cb func(), pinnedThread int) {
	s.enqueue(ScheduleEntry{Closure: cb, PinnedThread: pinnedThread})
}

// ScheduleBatch enqueues many entries under a single lock acquisition.
func (s *Scheduler) ScheduleBatch(entries []ScheduleEntry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := s.ready.Length() == 0
	for _, e := range entries {
		s.ready.Add(e)
	}
	s.mu.Unlock()
	if wasEmpty {
		s.TickleFn()
	}
}

func (s *Scheduler) enqueue(e ScheduleEntry) {
	s.mu.Lock()
	wasEmpty := s.ready.Length() == 0
	s.ready.Add(e)
	s.mu.Unlock()
	if wasEmpty {
		s.TickleFn()
	}
}

// pick walks the ready queue from the head, skipping entries pinned to a
// different worker and fiber targets already Exec, returning the first
// eligible entry. Skipped entries are rotated to the back, preserving
// their relative order, since the underlying queue only supports
// front/back operations. tickleOwed reports whether a pinned-elsewhere
// entry was skipped, meaning some other worker should be woken.
func (s *Scheduler) pick(workerID int) (ScheduleEntry, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ready.Length()
	tickleOwed := false
	for i := 0; i < n; i++ {
		e := s.ready.Remove().(ScheduleEntry)
		if e.PinnedThread != AnyThread && e.PinnedThread != workerID {
			tickleOwed = true
			s.ready.Add(e)
			continue
		}
		if e.Fiber != nil && e.Fiber.State() == fiber.Exec {
			s.ready.Add(e)
			continue
		}
		return e, tickleOwed, true
	}
	return ScheduleEntry{}, tickleOwed, false
}

// Start spawns the scheduler's non-caller worker threads. Idempotent while
// already running.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.doneCh = make(chan struct{}, s.workerCount)
	base := 0
	if s.useCaller {
		base = 1
		s.callerDone = make(chan struct{})
	}
	for i := 0; i < s.workerCount; i++ {
		workerID := base + i
		go func() {
			runtime.LockOSThread()
			fiber.NewMain()
			s.run(workerID)
			s.doneCh <- struct{}{}
		}()
	}
}

// Run enters the run loop on the calling thread as worker 0. Only valid
// for use-caller schedulers, and only from the thread that constructed
// them.
func (s *Scheduler) Run() {
	invariant.Check(s.useCaller, "scheduler %s: Run called on a non-use-caller scheduler", s.Name)
	s.run(0)
	if s.callerDone != nil {
		close(s.callerDone)
	}
}

// Stop requests shutdown: sets the auto-stop flag, wakes every possibly
// parked worker, and (for use-caller schedulers) blocks until the queue
// drains and all workers exit. Non-use-caller schedulers must be stopped
// from a thread other than any of their workers.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	tickles := s.workerCount
	if s.useCaller {
		tickles++
	}
	for i := 0; i < tickles; i++ {
		s.TickleFn()
	}
	for i := 0; i < s.workerCount; i++ {
		<-s.doneCh
	}
	if s.callerDone != nil {
		<-s.callerDone
	}
	s.stopped.Store(true)
}

// run is the per-worker dispatch loop.
func (s *Scheduler) run(workerID int) {
	idleFiber := s.NewFiberFn(func() {
		for !s.Stopping() {
			s.IdleFn(s, workerID)
		}
	}, 0, true)

	var cbFiber *fiber.Fiber

	for {
		entry, tickleOwed, ok := s.pick(workerID)
		if ok {
			s.activeWorkers.Add(1)
			s.execute(entry, workerID, &cbFiber)
			s.activeWorkers.Add(-1)
		} else {
			if tickleOwed {
				s.TickleFn()
			}
			s.idleWorkers.Add(1)
			idleFiber.Resume()
			s.idleWorkers.Add(-1)
		}
		if s.Stopping() && idleFiber.State() == fiber.Term {
			return
		}
	}
}

func (s *Scheduler) execute(entry ScheduleEntry, workerID int, cbFiber **fiber.Fiber) {
	if entry.Fiber != nil {
		f := entry.Fiber
		f.Resume()
		switch f.State() {
		case fiber.Ready:
			s.Schedule(f, entry.PinnedThread)
		case fiber.Term, fiber.Except:
			// Terminal task fiber: retire it so its dedicated goroutine
			// exits instead of leaking, parked forever on resumeCh.
			f.Dispose()
		default:
			// Hold: some external waker owns the reactivation.
		}
		return
	}

	cb := entry.Closure
	cur := *cbFiber
	if cur == nil || (cur.State() != fiber.Term && cur.State() != fiber.Except) {
		cur = s.NewFiberFn(cb, 0, true)
	} else {
		cur.Reset(cb)
	}
	*cbFiber = cur
	cur.Resume()
	if cur.State() == fiber.Ready {
		s.Schedule(cur, entry.PinnedThread)
	}
}

// ActiveWorkers reports the number of workers currently executing a task.
func (s *Scheduler) ActiveWorkers() int32 { return s.activeWorkers.Load() }

// IdleWorkers reports the number of workers currently parked in idle.
func (s *Scheduler) IdleWorkers() int32 { return s.idleWorkers.Load() }

// QueueLen reports the current ready-queue length, for diagnostics.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Length()
}
