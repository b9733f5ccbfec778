package metrics_test

import (
	"testing"

	"github.com/gokvm/microvm/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActionLatencyRecordsPerAction(t *testing.T) {
	t.Parallel()

	metrics.ActionLatency.WithLabelValues("PUT /boot-source").Observe(42)

	count := testutil.CollectAndCount(metrics.ActionLatency)
	require.GreaterOrEqual(t, count, 1)
}

func TestBadSyscallsAndNumFaultsIncrement(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(metrics.NumFaults)

	metrics.BadSyscalls.WithLabelValues("105").Inc()
	metrics.NumFaults.Inc()

	after := testutil.ToFloat64(metrics.NumFaults)
	require.Equal(t, before+1, after)

	value := testutil.ToFloat64(metrics.BadSyscalls.WithLabelValues("105"))
	require.GreaterOrEqual(t, value, float64(1))
}
