// Package timer implements a time-ordered set of absolute-deadline timers:
// single-shot, recurring, and conditional variants, earliest-first
// extraction, and a coarse clock-skew guard against backward wall-clock
// jumps. It is grounded on the reference's timer.h/timer.cc, and its
// storage (container/heap) completes the heap-based timer queue the
// teacher repository's own internal/concurrency/scheduler.go gestures at
// but never finishes wiring.
package timer

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-fiber/syncutil"
)

// nowMillis returns the current wall-clock time in milliseconds. The
// reference intentionally uses wall-clock time, compensated by the
// rollover guard below; §9 of the design notes a monotonic clock as the
// preferred implementation but keeps wall-clock semantics testable.
func nowMillis() int64 { return time.Now().UnixMilli() }

var seqCounter atomic.Uint64

// Timer is a single scheduled callback. Timers are ordered by
// (deadline, sequence): sequence stands in for the reference's
// pointer-identity tiebreak, guaranteeing a strict total order among
// timers that share a deadline.
type Timer struct {
	deadline  int64 // absolute, ms
	period    int64 // ms; 0 for one-shot
	recurring bool
	cb        func()
	manager   *Manager
	seq       uint64
	index     int // heap index, maintained by container/heap
	cancelled bool
}

// Cancel removes the timer from its manager's set and clears its
// callback. Idempotent: returns false if the timer was already cancelled
// or has already fired.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	t.cancelled = true
	t.cb = nil
	return true
}

// Refresh re-seats the timer at now+period, preserving its period.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	t.deadline = nowMillis() + t.period
	heap.Push(&m.heap, t)
	m.maybeNotifyFront()
	return true
}

// SetRecurring changes whether the timer reschedules itself on each
// firing, without altering its current deadline or period. Used to turn a
// recurring timer into a one-shot (or vice versa) mid-flight.
func (t *Timer) SetRecurring(recurring bool) bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	t.recurring = recurring
	return true
}

// Reset rebinds the timer's period. If fromNow, the new deadline is
// now+ms. Otherwise the new deadline is (old_deadline - old_period) + ms,
// preserving the timer's original start point — a subtle contract; callers
// that don't specifically need start-anchored semantics should pass
// fromNow=true.
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	oldPeriod := t.period
	oldDeadline := t.deadline
	t.period = ms
	if fromNow {
		t.deadline = nowMillis() + ms
	} else {
		t.deadline = (oldDeadline - oldPeriod) + ms
	}
	heap.Push(&m.heap, t)
	m.maybeNotifyFront()
	return true
}

// timerHeap is a container/heap.Interface over *Timer ordered by
// (deadline, seq).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// FrontChangedFunc is invoked whenever an insertion becomes the new
// earliest deadline in the set. IOManager uses this to tickle a possibly
// blocked epoll_wait.
type FrontChangedFunc func()

// Manager is a time-ordered set of timers keyed by absolute deadline.
type Manager struct {
	mu           syncutil.Mutex
	heap         timerHeap
	lastObserved int64
	onFront      FrontChangedFunc
}

// clockRollbackThreshold is the backward wall-clock jump beyond which every
// pending timer is treated as expired this tick.
const clockRollbackThreshold = time.Hour

// NewManager constructs an empty timer set. onFront may be nil.
func NewManager(onFront FrontChangedFunc) *Manager {
	return &Manager{
		lastObserved: nowMillis(),
		onFront:      onFront,
	}
}

func (m *Manager) maybeNotifyFront() {
	if m.onFront != nil {
		m.onFront()
	}
}

func (m *Manager) insert(t *Timer) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.seq = seqCounter.Add(1)
	heap.Push(&m.heap, t)
	if m.heap[0] == t {
		m.maybeNotifyFront()
	}
	return t
}

// AddTimer schedules cb to run after ms milliseconds, optionally recurring
// every ms thereafter.
func (m *Manager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	t := &Timer{
		deadline:  nowMillis() + ms,
		period:    ms,
		recurring: recurring,
		cb:        cb,
		manager:   m,
	}
	return m.insert(t)
}

// AddConditionalTimer wraps cb so it only fires if condition() still
// returns true at firing time; otherwise it silently no-ops. condition
// stands in for the reference's weak-reference witness (typically "is the
// waiting fiber still alive").
func (m *Manager) AddConditionalTimer(ms int64, cb func(), condition func() bool, recurring bool) *Timer {
	wrapped := func() {
		if condition() {
			cb()
		}
	}
	t := &Timer{
		deadline:  nowMillis() + ms,
		period:    ms,
		recurring: recurring,
		cb:        wrapped,
		manager:   m,
	}
	return m.insert(t)
}

// MaxTimeout is returned by NextTimeout when the set is empty, matching
// the reference's "no earliest deadline" sentinel.
const MaxTimeout int64 = 1<<63 - 1

// NextTimeout returns milliseconds until the earliest deadline: 0 if
// already expired, MaxTimeout if the set is empty.
func (m *Manager) NextTimeout() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return MaxTimeout
	}
	d := m.heap[0].deadline - nowMillis()
	if d < 0 {
		return 0
	}
	return d
}

// CollectExpired extracts every timer whose deadline has passed, appending
// its callback to the returned slice. Recurring timers are rescheduled in
// place; one-shot timers are cleared. Detects backward wall-clock jumps
// greater than an hour and, if observed, treats every pending timer as
// expired for this call.
func (m *Manager) CollectExpired() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowMillis()
	rollover := m.lastObserved-now > clockRollbackThreshold.Milliseconds()
	m.lastObserved = now

	var out []func()
	var again []*Timer
	for len(m.heap) > 0 {
		t := m.heap[0]
		if !rollover && t.deadline > now {
			break
		}
		heap.Pop(&m.heap)
		if t.cb == nil {
			continue
		}
		out = append(out, t.cb)
		if t.recurring {
			t.deadline = now + t.period
			t.cancelled = false
			again = append(again, t)
		} else {
			t.cb = nil
			t.cancelled = true
		}
	}
	// Recurring timers go back in only after the scan, so each one is
	// collected at most once per call.
	for _, t := range again {
		heap.Push(&m.heap, t)
	}
	return out
}
