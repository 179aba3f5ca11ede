package fdctx

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func TestGetWithoutCreateMissesEmptyTable(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(3, false); ok {
		t.Error("Get(3, false) on empty registry = found, want not found")
	}
}

func TestGetCreatesAndReuses(t *testing.T) {
	r := NewRegistry()
	fds := make([]int, 2)
	unix.Pipe(fds)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx1, ok := r.Get(fds[0], true)
	if !ok || ctx1 == nil {
		t.Fatal("Get(create=true) did not create a context")
	}
	ctx2, ok := r.Get(fds[0], false)
	if !ok || ctx2 != ctx1 {
		t.Error("second Get() did not return the same *FdContext")
	}
}

func TestFdContextUniquenessUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	fds := make([]int, 2)
	unix.Pipe(fds)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	const workers = 16
	results := make([]*FdContext, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, _ := r.Get(fds[0], true)
			results[i] = ctx
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, ctx := range results {
		if ctx != first {
			t.Errorf("result[%d] = %p, want %p (single FdContext per fd)", i, ctx, first)
		}
	}
}

func TestPipeIsNotASocket(t *testing.T) {
	r := NewRegistry()
	fds := make([]int, 2)
	unix.Pipe(fds)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx, _ := r.Get(fds[0], true)
	if ctx.IsSocket {
		t.Error("pipe fd reported IsSocket = true")
	}
	if ctx.SysNonblock {
		t.Error("pipe fd reported SysNonblock = true, want unforced for non-sockets")
	}
}

func TestTimeoutRoundTrip(t *testing.T) {
	c := newFdContext(0)
	if got := c.GetTimeout(Recv); got != NoTimeout {
		t.Errorf("default recv timeout = %d, want NoTimeout", got)
	}
	c.SetTimeout(Recv, 500)
	if got := c.GetTimeout(Recv); got != 500 {
		t.Errorf("recv timeout after set = %d, want 500", got)
	}
	if got := c.GetTimeout(Send); got != NoTimeout {
		t.Errorf("send timeout = %d, want unaffected by recv set", got)
	}
}

func TestDefaultIsStableSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances across calls")
	}
	if Default() == NewRegistry() {
		t.Error("Default() unexpectedly equal to a freshly constructed registry")
	}
}

func TestDelClearsSlot(t *testing.T) {
	r := NewRegistry()
	fds := make([]int, 2)
	unix.Pipe(fds)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	r.Get(fds[0], true)
	r.Del(fds[0])
	if _, ok := r.Get(fds[0], false); ok {
		t.Error("Get() after Del() found a context, want not found")
	}
}
