package seccomp

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/gokvm/microvm/metrics"
	"golang.org/x/sys/unix"
)

var handlerInstalled atomic.Bool

// InstallSIGSYSHandler registers a process-wide handler that increments
// metrics.NumFaults on every SIGSYS the installed filter's TRAP action
// raises, then lets the process continue; the kernel returns ENOSYS (or
// the filter's configured errno) to the syscall's caller once the
// handler returns.
//
// Unlike original_source's Rust handler, which reads si_syscall straight
// out of siginfo_t, Go's os/signal delivers only the bare signal value:
// the runtime's own signal plumbing does not surface siginfo to user
// handlers without cgo, and the compiled filter's TRAP return carries no
// syscall number in its data bits either. metrics.BadSyscalls is
// therefore incremented with the label "unknown" here so the total still
// shows up, and callers wanting exact
// per-syscall attribution should run with a tracer attached.
func InstallSIGSYSHandler() {
	if !handlerInstalled.CompareAndSwap(false, true) {
		return
	}

	c := make(chan os.Signal, 16)
	signal.Notify(c, unix.SIGSYS)

	go func() {
		for range c {
			metrics.NumFaults.Inc()
			metrics.BadSyscalls.WithLabelValues("unknown").Inc()
		}
	}()
}
