// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Command pipeecho demonstrates the fiber/scheduler/iomanager stack end to
// end: one fiber registers READ interest on a pipe and suspends via
// IOManager.AddEvent + Fiber.YieldToHold, a second fiber writes into the
// pipe after a delay, and a third fiber sleeps via hook.Nanosleep purely to
// show that a sleeping fiber never blocks its worker thread. This mirrors
// original_source/tests/test_hook.cc's pipe scenario and spec.md §8
// scenario 1 ("pipe handshake"), turned into a runnable program.
//
// The pipe itself is deliberately driven through IOManager.AddEvent
// rather than hook.Read: per spec.md §4.7, the hook layer is transparent
// (falls through to the raw syscall) for any fd that is not a socket, so
// a pipe read is exactly the case the scenario in the design uses the
// low-level IOManager API for directly.
package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/hook"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/scheduler"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetSystem(logger)

	io, err := iomanager.New(2, true, "pipeecho")
	if err != nil {
		fmt.Fprintf(os.Stderr, "iomanager init: %v\n", err)
		os.Exit(1)
	}
	defer io.Close()

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		fmt.Fprintf(os.Stderr, "pipe: %v\n", err)
		os.Exit(1)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	readerDone := make(chan struct{})
	sleeperDone := make(chan struct{})

	reader := fiber.New(func() {
		fmt.Println("[pipeecho] reader: waiting for data...")
		if err := io.AddEvent(r, iomanager.EventRead, nil); err != nil {
			fmt.Printf("[pipeecho] reader: AddEvent error: %v\n", err)
			close(readerDone)
			return
		}
		cur, _ := fiber.Current()
		cur.YieldToHold()

		buf := make([]byte, 64)
		n, _ := unix.Read(r, buf)
		fmt.Printf("[pipeecho] reader: got %q\n", string(buf[:n]))
		close(readerDone)
	}, 0, true)

	writer := fiber.New(func() {
		fmt.Println("[pipeecho] writer: sleeping 200ms before writing...")
		hook.Nanosleep(200 * time.Millisecond)

		msg := []byte("hello from pipeecho")
		unix.Write(w, msg)
	}, 0, true)

	sleeper := fiber.New(func() {
		for i := 0; i < 3; i++ {
			fmt.Printf("[pipeecho] sleeper: tick %d\n", i)
			hook.Nanosleep(50 * time.Millisecond)
		}
		close(sleeperDone)
	}, 0, true)

	io.Schedule(reader, scheduler.AnyThread)
	io.Schedule(writer, scheduler.AnyThread)
	io.Schedule(sleeper, scheduler.AnyThread)

	io.Start()
	go func() {
		<-readerDone
		<-sleeperDone
		time.Sleep(50 * time.Millisecond)
		io.Stop()
	}()
	io.Run()
}
