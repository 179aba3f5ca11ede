//go:build linux
// +build linux

// Package hook interposes on a fixed set of blocking I/O primitives so
// application code written in a naive synchronous style is transparently
// suspended at I/O boundaries and resumed on readiness or timeout.
//
// The reference resolves each primitive's "next" libc symbol via dlsym at
// process start and interposes process-wide. Go programs are statically
// linked and do not route blocking syscalls through libc on Linux, so
// there is no dlsym(RTLD_NEXT, ...) equivalent to hang this package's
// hooks on. This package instead exposes the same do_io control flow as
// an explicit, opt-in function-call API: application fibers call
// hook.Read/hook.Sleep/etc. directly in place of a raw syscall, and
// transparency is scoped to code written against this package rather than
// arbitrary process-wide libc callers. Every primitive named in the
// design's closed set is grounded on the corresponding function body in
// the reference's net/hook.cc.
package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fdctx"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/invariant"
	"github.com/momentics/hioload-fiber/internal/tlocal"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/scheduler"
)

var (
	enabledSlot = tlocal.NewSlot[bool]("hook.enabled")
	iomSlot     = tlocal.NewSlot[*iomanager.IOManager]("hook.iomanager")
)

// init installs hook's bind/unbind as the process-wide fiber activation
// callbacks: any fiber IOManager tagged (via Schedule or its NewFiberFn,
// see iomanager.go) is bound automatically for the span it spends actively
// executing, and unbound the moment it yields or returns. This is what
// makes hooking on by default for fibers an IOManager runs — a closure
// that never calls BindThread itself still sees Enabled() true — instead
// of relying on every application fiber remembering to bind by hand.
func init() {
	fiber.SetActivationHooks(onFiberActivate, onFiberDeactivate)
}

func onFiberActivate(f *fiber.Fiber) {
	if iom, ok := f.UserData().(*iomanager.IOManager); ok {
		BindThread(iom)
	}
}

func onFiberDeactivate(f *fiber.Fiber) {
	if _, ok := f.UserData().(*iomanager.IOManager); ok {
		UnbindThread()
	}
}

// connectTimeoutMs is the default, hot-reloadable connect timeout Connect
// consults when a caller does not need anything special: it mirrors the
// reference's package-level g_tcp_connect_timeout ConfigVar and its
// s_connect_timeout cache, consumed by connect() with zero caller
// involvement. A test or application can reload it by calling
// control.Lookup(control.Default(), "tcp.connect.timeout", ...) to get
// back this exact ConfigVar and Set a new value.
var connectTimeoutMs = control.Lookup(control.Default(), "tcp.connect.timeout", int64(5000), "TCP connect timeout in milliseconds; hot-reloadable")

// BindThread installs iom as the current OS thread's IOManager and enables
// hooking on it. Any fiber IOManager schedules is bound automatically for
// its execution span by the activation hooks registered in this package's
// init, so application code does not normally need to call this directly;
// it remains exported for a closure that wants to bind a foreign OS thread
// (one never reached through a tagged fiber) by hand.
func BindThread(iom *iomanager.IOManager) {
	iomSlot.Set(iom)
	enabledSlot.Set(true)
}

// UnbindThread disables hooking and clears the bound IOManager for the
// current OS thread.
func UnbindThread() {
	enabledSlot.Set(false)
	iomSlot.Set(nil)
}

// Enabled reports whether hooking is active on the calling OS thread.
func Enabled() bool {
	v, ok := enabledSlot.Get()
	return ok && v
}

func currentIOManager() *iomanager.IOManager {
	iom, _ := iomSlot.Get()
	return iom
}

// globalRegistry is fdctx.Default(), the same Registry instance iomanager.New
// wires into every IOManager. hook and iomanager used to each hold their own
// Registry, so a fd's FdContext under one package was invisible to the
// other; both now resolve through the one process-wide table the design
// calls for.
var globalRegistry = fdctx.Default()

func isEAGAIN(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK)
}

func isEINTR(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.EINTR
}

// doIO is the generic do_io engine: arm a timeout timer, try the original
// operation, retry transparently on EINTR, and on EAGAIN register interest
// with the IOManager and suspend the calling fiber until the fd is ready
// or the timer fires.
func doIO(fd int, ev iomanager.Event, kind fdctx.TimeoutKind, op func() (int, error)) (int, error) {
	iom := currentIOManager()
	if !Enabled() || iom == nil {
		return op()
	}

	ctx, ok := globalRegistry.Get(fd, false)
	if !ok || !ctx.IsSocket || ctx.UserNonblock {
		return op()
	}
	timeoutMs := ctx.GetTimeout(kind)

	for {
		var tm interface{ Cancel() bool }
		timedOut := false
		if timeoutMs != fdctx.NoTimeout {
			tm = iom.AddTimer(timeoutMs, func() {
				timedOut = true
				iom.CancelEvent(fd, ev)
			}, false)
		}

		n, err := op()
		for isEINTR(err) {
			n, err = op()
		}
		if !isEAGAIN(err) {
			if tm != nil {
				tm.Cancel()
			}
			return n, err
		}

		if addErr := iom.AddEvent(fd, ev, nil); addErr != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, addErr
		}
		cur, ok := fiber.Current()
		invariant.Check(ok, "hook: do_io invoked outside a fiber context")
		cur.YieldToHold()
		if tm != nil {
			tm.Cancel()
		}
		if timedOut {
			return -1, unix.ETIMEDOUT
		}
		// Event fired: loop back and retry the original call.
	}
}

// sleepFor arms a one-shot timer for ms milliseconds and yields to hold;
// the timer's fire re-schedules the calling fiber, per the design's sleep
// contract.
func sleepFor(ms int64) {
	iom := currentIOManager()
	if !Enabled() || iom == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	cur, ok := fiber.Current()
	invariant.Check(ok, "hook: Sleep called outside a fiber context")
	iom.AddTimer(ms, func() {
		iom.Schedule(cur, scheduler.AnyThread)
	}, false)
	cur.YieldToHold()
}

// Sleep hooks sleep(2): suspends the calling fiber for the given number of
// whole seconds without blocking its OS thread.
func Sleep(seconds uint32) { sleepFor(int64(seconds) * 1000) }

// Usleep hooks usleep(2).
func Usleep(microseconds uint32) { sleepFor(int64(microseconds) / 1000) }

// Nanosleep hooks nanosleep(2), accepting a time.Duration for convenience.
func Nanosleep(d time.Duration) { sleepFor(d.Milliseconds()) }

// Read hooks read(2).
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv hooks readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv hooks recv(2), implemented via recvfrom with a nil peer address.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Recvfrom hooks recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	_, err = doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		var innerErr error
		n, from, innerErr = unix.Recvfrom(fd, p, flags)
		return n, innerErr
	})
	return n, from, err
}

// Recvmsg hooks recvmsg(2).
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	_, err = doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		var innerErr error
		n, oobn, recvflags, from, innerErr = unix.Recvmsg(fd, p, oob, flags)
		return n, innerErr
	})
	return n, oobn, recvflags, from, err
}

// Write hooks write(2).
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.EventWrite, fdctx.Send, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev hooks writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomanager.EventWrite, fdctx.Send, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send hooks send(2), implemented via sendto with a nil peer address.
func Send(fd int, p []byte, flags int) (int, error) {
	n := len(p)
	_, err := doIO(fd, iomanager.EventWrite, fdctx.Send, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, nil)
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Sendto hooks sendto(2).
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) error {
	_, err := doIO(fd, iomanager.EventWrite, fdctx.Send, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, to)
	})
	return err
}

// Sendmsg hooks sendmsg(2).
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, iomanager.EventWrite, fdctx.Send, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close hooks close(2): cancels all pending events on the fd, drops its
// FdContext, then delegates to the real close.
func Close(fd int) error {
	if iom := currentIOManager(); iom != nil {
		iom.CancelAll(fd)
	}
	globalRegistry.Del(fd)
	return unix.Close(fd)
}

// Fcntl hooks fcntl(2), intercepting F_SETFL/F_GETFL to separate the
// user's view of O_NONBLOCK from the kernel's actual (always-nonblock for
// sockets) setting.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	ctx, ok := globalRegistry.Get(fd, true)
	if !ok || !ctx.IsSocket {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
	switch cmd {
	case unix.F_SETFL:
		ctx.Lock()
		ctx.UserNonblock = arg&unix.O_NONBLOCK != 0
		ctx.Unlock()
		kernelArg := arg | unix.O_NONBLOCK
		return unix.FcntlInt(uintptr(fd), cmd, kernelArg)
	case unix.F_GETFL:
		real, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return real, err
		}
		ctx.Lock()
		userNonblock := ctx.UserNonblock
		ctx.Unlock()
		if userNonblock {
			return real | unix.O_NONBLOCK, nil
		}
		return real &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// fionbio is the Linux ioctl(2) FIONBIO request number (asm-generic
// ioctls.h); golang.org/x/sys/unix does not export it directly.
const fionbio = 0x5421

// Ioctl hooks ioctl(2)'s FIONBIO request, updating the FdContext's
// user_nonblock flag the same way Fcntl's F_SETFL path does. For a socket
// the kernel-level mode is left non-blocking; every other request, and
// FIONBIO on a non-socket, passes through to the kernel.
func Ioctl(fd int, req uint, nonblock bool) error {
	var arg int
	if nonblock {
		arg = 1
	}
	if req != fionbio {
		return unix.IoctlSetInt(fd, req, arg)
	}
	ctx, ok := globalRegistry.Get(fd, true)
	if !ok || !ctx.IsSocket {
		return unix.IoctlSetInt(fd, req, arg)
	}
	ctx.Lock()
	ctx.UserNonblock = nonblock
	ctx.Unlock()
	return nil
}

// Setsockopt hooks setsockopt(2). SO_RCVTIMEO/SO_SNDTIMEO are absorbed
// into the FdContext rather than reaching the kernel; every other option
// passes through verbatim.
func Setsockopt(fd, level, opt int, timeout *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		ctx, _ := globalRegistry.Get(fd, true)
		ms := timeval2ms(timeout)
		kind := fdctx.Recv
		if opt == unix.SO_SNDTIMEO {
			kind = fdctx.Send
		}
		ctx.SetTimeout(kind, ms)
		return nil
	}
	return unix.SetsockoptTimeval(fd, level, opt, timeout)
}

// Getsockopt hooks getsockopt(2) for the timeout options the design
// requires round-tripping; every other option is a straight passthrough
// left to callers via unix.GetsockoptInt/-Timeval directly.
func Getsockopt(fd, level, opt int) (*unix.Timeval, error) {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		ctx, ok := globalRegistry.Get(fd, false)
		if !ok {
			return &unix.Timeval{}, nil
		}
		kind := fdctx.Recv
		if opt == unix.SO_SNDTIMEO {
			kind = fdctx.Send
		}
		return ms2timeval(ctx.GetTimeout(kind)), nil
	}
	return unix.GetsockoptTimeval(fd, level, opt)
}

func timeval2ms(tv *unix.Timeval) int64 {
	if tv == nil {
		return fdctx.NoTimeout
	}
	return int64(tv.Sec)*1000 + int64(tv.Usec)/1000
}

func ms2timeval(ms int64) *unix.Timeval {
	if ms == fdctx.NoTimeout {
		return &unix.Timeval{}
	}
	return &unix.Timeval{Sec: ms / 1000, Usec: (ms % 1000) * 1000}
}

// Socket hooks socket(2). On success it materializes the new fd's
// FdContext immediately, matching the reference's socket() hook (which
// calls FdMgr::GetInstance()->get(fd, true)) — without this, a socket that
// is read or written before any Fcntl/Setsockopt/Connect call touches it
// would have no FdContext yet, and doIO's registry lookup would miss and
// fall through to a raw blocking syscall.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	globalRegistry.Get(fd, true)
	return fd, nil
}

// Connect hooks connect(2), taking its timeout from the process-wide
// tcp.connect.timeout ConfigVar rather than a caller-supplied parameter —
// matching the reference, where connect() reads the package-level
// s_connect_timeout with no timeout argument in its own signature. Unlike
// the read/write primitives, a non-blocking connect cannot be retried:
// POSIX defines a second connect() call on an already-connecting socket to
// return EALREADY, not another EINPROGRESS, so do_io's
// retry-op-until-non-EAGAIN shape does not apply here. Instead this issues
// the syscall once, and on EINPROGRESS arms a timer and waits for the fd
// to become writable before resolving the outcome via SO_ERROR, matching
// the standard non-blocking connect idiom.
func Connect(fd int, addr unix.Sockaddr) error {
	iom := currentIOManager()
	if !Enabled() || iom == nil {
		return unix.Connect(fd, addr)
	}
	timeoutMs := connectTimeoutMs.Get()
	ctx, _ := globalRegistry.Get(fd, true)
	ctx.SetTimeout(fdctx.Send, timeoutMs)

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok || errno != unix.EINPROGRESS {
		return err
	}

	var tm interface{ Cancel() bool }
	timedOut := false
	if timeoutMs != fdctx.NoTimeout {
		tm = iom.AddTimer(timeoutMs, func() {
			timedOut = true
			iom.CancelEvent(fd, iomanager.EventWrite)
		}, false)
	}
	if addErr := iom.AddEvent(fd, iomanager.EventWrite, nil); addErr != nil {
		if tm != nil {
			tm.Cancel()
		}
		return addErr
	}
	cur, ok := fiber.Current()
	invariant.Check(ok, "hook: Connect invoked outside a fiber context")
	cur.YieldToHold()
	if tm != nil {
		tm.Cancel()
	}
	if timedOut {
		return unix.ETIMEDOUT
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept hooks accept(2). On success it materializes the accepted
// connection's FdContext immediately, matching the reference's
// socket()/accept() hooks: without this, the single most common server
// pattern — hook.Accept then hook.Read on the returned fd — would read
// through a raw blocking syscall on every accepted connection, since the
// fd would have no FdContext until some other primitive happened to touch
// it first.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := doIO(fd, iomanager.EventRead, fdctx.Recv, func() (int, error) {
		var innerErr error
		nfd, sa, innerErr = unix.Accept(fd)
		return nfd, innerErr
	})
	if err != nil {
		return -1, nil, err
	}
	globalRegistry.Get(nfd, true)
	return nfd, sa, nil
}
