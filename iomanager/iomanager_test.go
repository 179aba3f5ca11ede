//go:build linux
// +build linux

package iomanager

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdctx"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

// TestRegistryIsSharedSingleton guards against the two disjoint-Registry bug:
// IOManager must resolve FdContexts through fdctx.Default(), the same
// instance hook's own globalRegistry var points at, or a fd closed via one
// package would leave a stale context visible through the other.
func TestRegistryIsSharedSingleton(t *testing.T) {
	io, err := New(1, true, "io-registry-test")
	if err != nil {
		t.Fatal(err)
	}
	defer io.Close()

	if io.registry != fdctx.Default() {
		t.Error("IOManager.registry is not fdctx.Default()")
	}
}

// TestScheduleTagsFiberWithIOManager confirms Schedule attaches this
// IOManager to a fiber it did not itself construct, which is what lets
// hook's activation hooks bind automatically for its execution span.
func TestScheduleTagsFiberWithIOManager(t *testing.T) {
	io, err := New(1, true, "io-tag-test")
	if err != nil {
		t.Fatal(err)
	}
	defer io.Close()

	f := fiber.New(func() {}, 0, true)
	io.Schedule(f, scheduler.AnyThread)

	got, ok := f.UserData().(*IOManager)
	if !ok || got != io {
		t.Errorf("Schedule did not tag fiber with its IOManager, UserData = %v", f.UserData())
	}
}

func TestPipeHandshake(t *testing.T) {
	io, err := New(1, true, "io-test")
	if err != nil {
		t.Fatal(err)
	}
	defer io.Close()
	io.Start()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	start := time.Now()
	resultCh := make(chan byte, 1)

	fiberA := fiber.New(func() {
		if err := io.AddEvent(r, EventRead, nil); err != nil {
			t.Errorf("AddEvent: %v", err)
			return
		}
		cur, _ := fiber.Current()
		cur.YieldToHold()
		buf := make([]byte, 1)
		unix.Read(r, buf)
		resultCh <- buf[0]
	}, 0, true)
	io.Schedule(fiberA, scheduler.AnyThread)

	go func() {
		time.Sleep(100 * time.Millisecond)
		unix.Write(w, []byte("X"))
	}()
	go io.Run()

	select {
	case b := <-resultCh:
		elapsed := time.Since(start)
		if b != 'X' {
			t.Errorf("got %q, want 'X'", b)
		}
		if elapsed < 90*time.Millisecond || elapsed > 600*time.Millisecond {
			t.Errorf("elapsed = %v, want within [90ms, 600ms]", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipe handshake")
	}

	time.Sleep(50 * time.Millisecond)
	if pc := io.PendingEventCount(); pc != 0 {
		t.Errorf("PendingEventCount() = %d, want 0 after handshake completes", pc)
	}
	io.Stop()
}

func TestCancellationUnderLoad(t *testing.T) {
	io, err := New(1, true, "io-cancel-test")
	if err != nil {
		t.Fatal(err)
	}
	defer io.Close()
	io.Start()

	const n = 32
	type pipePair struct{ r, w int }
	pairs := make([]pipePair, n)
	resumed := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		fds := make([]int, 2)
		if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
			t.Fatal(err)
		}
		pairs[i] = pipePair{r: fds[0], w: fds[1]}
		defer unix.Close(fds[0])
		defer unix.Close(fds[1])

		r := fds[0]
		f := fiber.New(func() {
			if err := io.AddEvent(r, EventRead, nil); err != nil {
				t.Errorf("AddEvent: %v", err)
				resumed <- struct{}{}
				return
			}
			cur, _ := fiber.Current()
			cur.YieldToHold()
			resumed <- struct{}{}
		}, 0, true)
		io.Schedule(f, scheduler.AnyThread)
	}

	go io.Run()

	time.Sleep(50 * time.Millisecond)
	for _, p := range pairs {
		io.CancelAll(p.r)
	}

	for i := 0; i < n; i++ {
		select {
		case <-resumed:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d fibers resumed after cancellation", i, n)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if pc := io.PendingEventCount(); pc != 0 {
		t.Errorf("PendingEventCount() = %d, want 0 after cancel-all sweep", pc)
	}
	io.Stop()
}
