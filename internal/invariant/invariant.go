// Package invariant implements the fatal-assertion discipline the core
// packages use for programmer-error conditions: wrong fiber state,
// double-registered events, and similar invariant violations that must
// abort the process with a backtrace rather than be handled as ordinary
// errors.
package invariant

import (
	"fmt"
	"runtime/debug"

	"github.com/momentics/hioload-fiber/logging"
	"go.uber.org/zap"
)

// Check panics if cond is false, first logging the violation and a
// backtrace to the system sink.
func Check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logging.System().Error("invariant violation",
		zap.String("detail", msg),
		zap.ByteString("stack", debug.Stack()),
	)
	panic("invariant violation: " + msg)
}
