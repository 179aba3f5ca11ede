package fiber

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-fiber/control"
)

func TestNewMainStartsInExec(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m := NewMain()
		if m.State() != Exec {
			t.Errorf("main fiber state = %s, want EXEC", m.State())
		}
		if !m.IsMain() {
			t.Error("IsMain() = false, want true")
		}
		cur, ok := Current()
		if !ok || cur != m {
			t.Error("Current() did not return the main fiber")
		}
	}()
	<-done
}

func TestResumeYieldRoundTrip(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		var ran int32
		f := New(func() {
			atomic.AddInt32(&ran, 1)
			// EXEC -> HOLD -> EXEC
			f2 := currentFiberForTest(t)
			f2.Yield()
			atomic.AddInt32(&ran, 1)
		}, 0, false)

		f.Resume()
		if got := f.State(); got != Hold {
			t.Fatalf("state after first resume = %s, want HOLD", got)
		}
		if atomic.LoadInt32(&ran) != 1 {
			t.Fatalf("ran = %d, want 1", ran)
		}

		f.Resume()
		if got := f.State(); got != Term {
			t.Fatalf("state after second resume = %s, want TERM", got)
		}
		if atomic.LoadInt32(&ran) != 2 {
			t.Fatalf("ran = %d, want 2", ran)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// currentFiberForTest fetches the fiber executing on the calling OS
// thread; used from inside a closure under test where the *Fiber isn't
// otherwise in scope.
func currentFiberForTest(t *testing.T) *Fiber {
	t.Helper()
	f, ok := Current()
	if !ok {
		t.Fatal("Current() returned nothing inside running fiber")
	}
	return f
}

func TestResetReusesTerminalFiber(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		var calls int
		f := New(func() { calls++ }, 0, false)
		f.Resume()
		if f.State() != Term {
			t.Fatalf("state = %s, want TERM", f.State())
		}

		f.Reset(func() { calls++ })
		if f.State() != Ready {
			t.Fatalf("state after reset = %s, want READY", f.State())
		}
		f.Resume()
		if calls != 2 {
			t.Fatalf("calls = %d, want 2", calls)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestPanicTransitionsToExcept(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		f := New(func() { panic("boom") }, 0, false)
		f.Resume()
		if f.State() != Except {
			t.Fatalf("state = %s, want EXCEPT", f.State())
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

// TestNewConsultsStackSizeConfigVar exercises spec.md §6's fiber.stack_size
// key: New(closure, 0, ...) must fall back to whatever value is currently
// live in the process-wide ConfigVar, not a bare compile-time constant, so
// a reload before fiber creation actually changes the advertised size.
func TestNewConsultsStackSizeConfigVar(t *testing.T) {
	sv := control.Lookup(control.Default(), "fiber.stack_size", int64(DefaultStackSize), "default fiber stack size in bytes")
	defer sv.Set(int64(DefaultStackSize))

	sv.Set(1 << 16)
	f := New(func() {}, 0, false)
	if f.stackSize != 1<<16 {
		t.Errorf("stackSize = %d, want %d after reloading fiber.stack_size", f.stackSize, 1<<16)
	}

	f2 := New(func() {}, 4096, false)
	if f2.stackSize != 4096 {
		t.Errorf("stackSize = %d, want 4096 for an explicit non-zero request", f2.stackSize)
	}
}

// TestDisposeRetiresTerminalFiber exercises the leak fix scheduler.execute
// relies on: a terminal fiber's dedicated goroutine, parked forever on
// resumeCh, must actually exit once Dispose wakes it, and Dispose itself
// must be safe to call twice.
func TestDisposeRetiresTerminalFiber(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		f := New(func() {}, 0, false)
		f.Resume()
		if f.State() != Term {
			t.Fatalf("state = %s, want TERM", f.State())
		}
		f.Dispose()
		f.Dispose() // idempotent
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose deadlocked instead of retiring the fiber's goroutine")
	}
}

// TestActivationHooksFireAroundEachExecutionSpan exercises the mechanism
// hook installs at init to bind itself automatically: activate must run
// before the closure resumes and see the fiber already Current(), and
// deactivate must run once per activate, including around each internal
// Yield, not just once for the fiber's whole life.
func TestActivationHooksFireAroundEachExecutionSpan(t *testing.T) {
	var activated, deactivated int32
	var sawCurrent bool
	SetActivationHooks(
		func(f *Fiber) {
			atomic.AddInt32(&activated, 1)
			cur, ok := Current()
			sawCurrent = ok && cur == f
		},
		func(f *Fiber) {
			atomic.AddInt32(&deactivated, 1)
		},
	)
	defer SetActivationHooks(nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		f := New(func() {
			cur, _ := Current()
			cur.Yield()
		}, 0, false)
		f.Resume()
		if f.State() != Hold {
			t.Fatalf("state = %s, want HOLD", f.State())
		}
		f.Resume()
		if f.State() != Term {
			t.Fatalf("state = %s, want TERM", f.State())
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	if !sawCurrent {
		t.Error("activate hook ran before Current() reflected the fiber")
	}
	if got := atomic.LoadInt32(&activated); got != 2 {
		t.Errorf("activated = %d, want 2 (one per Resume)", got)
	}
	if got := atomic.LoadInt32(&deactivated); got != 2 {
		t.Errorf("deactivated = %d, want 2 (one per Yield/return)", got)
	}
}

func TestResumeFromExecPanics(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewMain()

		var f *Fiber
		f = New(func() {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic resuming an EXEC fiber")
				}
			}()
			f.Resume()
		}, 0, false)
		f.Resume()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
