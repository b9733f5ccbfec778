package boot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCmdlineInjectsDeviceClauses(t *testing.T) {
	out := BuildCmdline("console=ttyS0 reboot=k", []MmioDeviceClause{
		{Size: 0x200, Addr: 0xd0000000, IRQ: 5},
		{Size: 0x200, Addr: 0xd0001000, IRQ: 6},
	})

	require.True(t, strings.Contains(out, "console=ttyS0 reboot=k"))
	require.True(t, strings.Contains(out, "virtio_mmio.device=512@0xd0000000:5"))
	require.True(t, strings.Contains(out, "virtio_mmio.device=512@0xd0001000:6"))
}

func TestBuildCmdlinePreservesDoubleDashTail(t *testing.T) {
	out := BuildCmdline("console=ttyS0 -- init=/bin/sh", []MmioDeviceClause{
		{Size: 0x200, Addr: 0xd0000000, IRQ: 5},
	})

	idx := strings.Index(out, "--")
	require.GreaterOrEqual(t, idx, 0)
	require.True(t, strings.Contains(out[:idx], "virtio_mmio.device"))
	require.True(t, strings.Contains(out[idx:], "init=/bin/sh"))
}

func TestBuildCmdlineNoDevices(t *testing.T) {
	out := BuildCmdline("console=ttyS0", nil)
	require.Equal(t, "console=ttyS0", out)
}
