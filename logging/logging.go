// Package logging provides the process-wide "system" log sink the core
// packages write diagnostics to: epoll_ctl failures, hook initialization,
// fiber/timer invariant violations, and lifecycle tracing. It is a thin
// package-level singleton over zap, mirroring the Logger()/SetLogger()
// pattern used elsewhere in the retrieved example pack for exactly this
// role. Everything the core packages log goes out at Error: invariant
// violations, fiber closure panics, and epoll_wait/epoll_ctl failures.
// Nothing in the core logs at Warn or Debug.
package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	mu     sync.Mutex
	system atomic.Pointer[zap.Logger]
)

func init() {
	system.Store(zap.NewNop())
}

// System returns the current "system" logger. Safe for concurrent use.
func System() *zap.Logger {
	return system.Load()
}

// SetSystem installs l as the process-wide system logger. Typically called
// once at process startup with a configured zap.Logger (e.g.
// zap.NewProduction()); defaults to a no-op logger so packages never need a
// nil check.
func SetSystem(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	system.Store(l)
}
