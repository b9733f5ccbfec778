package devicemgr_test

import (
	"os"
	"testing"

	"github.com/gokvm/microvm/devicemgr"
	"github.com/gokvm/microvm/virtio"
	"github.com/gokvm/microvm/vmm"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func requireKVM(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	f.Close()
}

func TestAttachAllocatesDistinctWindowsAndIRQs(t *testing.T) { // nolint:paralleltest
	requireKVM(t)

	log := logrus.NewEntry(logrus.New())

	v, err := vmm.New(vmm.Config{MemSizeBytes: 256 << 20, VCPUCount: 1}, log)
	require.NoError(t, err)

	defer v.Close()

	m := devicemgr.New(v)

	a1, err := m.Attach("entropy", "rng0", virtio.NewEntropy())
	require.NoError(t, err)

	a2, err := m.Attach("entropy", "rng1", virtio.NewEntropy())
	require.NoError(t, err)

	require.NotEqual(t, a1.Addr, a2.Addr)
	require.NotEqual(t, a1.IRQ, a2.IRQ)

	_, err = m.Attach("entropy", "rng0", virtio.NewEntropy())
	require.Error(t, err, "re-attaching the same (kind, id) must fail")

	got, ok := m.Get("entropy", "rng1")
	require.True(t, ok)
	require.Equal(t, a2, got)

	clauses := m.MmioClauses()
	require.Len(t, clauses, 2)
	require.Less(t, clauses[0].Addr, clauses[1].Addr)
}
