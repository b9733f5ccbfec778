// Package metrics is the VMM's prometheus registry: per-action control
// plane latency and seccomp fault counters, kept lock-free via
// prometheus's own atomic vectors rather than a mutex-guarded struct, per
// spec §9 Design Notes ("the metrics registry uses atomic counters with
// no lock").
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "microvm"

var (
	// ActionLatency records how long each control-plane action (the
	// HTTP verb+path pair dispatched to the VMM thread) took to execute.
	ActionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_latency_us",
		Help:      "Latency of control-plane actions, in microseconds.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 16),
	},
		[]string{"action"},
	)

	// BadSyscalls counts SIGSYS deliveries, labelled by syscall number, for
	// a seccomp filter installed at a non-default level. The in-process
	// SIGSYS handler cannot see the number and always uses the label
	// "unknown".
	BadSyscalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bad_syscalls_total",
		Help:      "Count of SIGSYS deliveries, by syscall number.",
	},
		[]string{"nr"},
	)

	// NumFaults counts every SIGSYS delivery regardless of syscall
	// number, matching spec §4.6's num_faults counter.
	NumFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_faults_total",
		Help:      "Count of all seccomp-filter SIGSYS deliveries.",
	})
)

// Registry is a private prometheus registry carrying only this package's
// collectors, so a caller can expose /metrics without pulling in the
// default global registry's process/Go runtime collectors unless asked.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(ActionLatency, BadSyscalls, NumFaults)
}
