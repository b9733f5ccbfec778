package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildZeroPageRoundTrip(t *testing.T) {
	mem := newTestMemory(t, 256<<20)

	cfg := ZeroPageConfig{
		ZeroPageAddr:   0x7000,
		KernelLoadAddr: HighMemBase,
		CmdlineAddr:    0x20000,
		Cmdline:        "console=ttyS0 reboot=k panic=1",
		E820:           StandardE820Map(256 << 20),
	}

	require.NoError(t, BuildZeroPage(mem, cfg))

	zp, err := mem.Bytes(cfg.ZeroPageAddr, zeroPageSize)
	require.NoError(t, err)

	require.Equal(t, byte(len(cfg.E820)), zp[zeroPageE820Entries])

	cmdline, err := mem.Bytes(cfg.CmdlineAddr, uint64(len(cfg.Cmdline)+1))
	require.NoError(t, err)
	require.Equal(t, cfg.Cmdline, string(cmdline[:len(cfg.Cmdline)]))
	require.Equal(t, byte(0), cmdline[len(cfg.Cmdline)])
}

func TestBuildZeroPageTooManyE820Entries(t *testing.T) {
	mem := newTestMemory(t, 256<<20)

	entries := make([]E820Entry, e820MaxEntries+1)

	err := BuildZeroPage(mem, ZeroPageConfig{
		ZeroPageAddr: 0x7000,
		CmdlineAddr:  0x20000,
		E820:         entries,
	})
	require.ErrorIs(t, err, ErrTooManyE820Entries)
}

func TestStandardE820MapCoversMemory(t *testing.T) {
	entries := StandardE820Map(256 << 20)
	require.NotEmpty(t, entries)

	var total uint64
	for _, e := range entries {
		total += e.Size
	}

	require.Greater(t, total, uint64(0))
}
