package boot

import (
	"testing"

	"github.com/gokvm/microvm/guestmemory"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, size uint64) *guestmemory.Memory {
	t.Helper()

	mem, err := guestmemory.New(0, []uint64{size}, false)
	require.NoError(t, err)

	return mem
}

func TestSetupMPTableBoundsCheck(t *testing.T) {
	mem := newTestMemory(t, MPTableStart+ComputeMPSize(8)+4096)

	require.NoError(t, SetupMPTable(mem, 8))
}

func TestSetupMPTableBoundsCheckFails(t *testing.T) {
	mem := newTestMemory(t, MPTableStart+16)

	err := SetupMPTable(mem, 8)
	require.Error(t, err)
}

func TestSetupMPTableTooManyCPUs(t *testing.T) {
	mem := newTestMemory(t, MPTableStart+ComputeMPSize(255)+4096)

	err := SetupMPTable(mem, 255)
	require.ErrorIs(t, err, ErrTooManyCPUs)
}

// TestMpfIntelChecksum asserts the floating pointer's own byte sum is 0 mod
// 256, the checksum law every MP table entry with a checksum field obeys.
func TestMpfIntelChecksum(t *testing.T) {
	size := ComputeMPSize(2)
	mem := newTestMemory(t, MPTableStart+size+4096)

	require.NoError(t, SetupMPTable(mem, 2))

	fp, err := mem.Bytes(MPTableStart, sizeMpfIntel)
	require.NoError(t, err)

	var sum byte
	for _, b := range fp {
		sum += b
	}

	require.Equal(t, byte(0), sum)
	require.Equal(t, "_MP_", string(fp[0:4]))
}

// TestMpcTableChecksum asserts the configuration header + every entry sums
// to 0 mod 256 across the whole post-header region.
func TestMpcTableChecksum(t *testing.T) {
	numCPUs := uint8(4)
	size := ComputeMPSize(numCPUs)
	mem := newTestMemory(t, MPTableStart+size+4096)

	require.NoError(t, SetupMPTable(mem, numCPUs))

	entrySize := size - sizeMpfIntel
	entries, err := mem.Bytes(MPTableStart+sizeMpfIntel, entrySize)
	require.NoError(t, err)

	var sum byte
	for _, b := range entries {
		sum += b
	}

	require.Equal(t, byte(0), sum)
	require.Equal(t, "PCMP", string(entries[0:4]))
}

func TestMpTableCPUEntryCount(t *testing.T) {
	numCPUs := uint8(3)
	size := ComputeMPSize(numCPUs)
	mem := newTestMemory(t, MPTableStart+size+4096)

	require.NoError(t, SetupMPTable(mem, numCPUs))

	for id := uint8(0); id < numCPUs; id++ {
		off := MPTableStart + sizeMpfIntel + sizeMpcTable + uint64(id)*sizeMpcCPU
		entry, err := mem.Bytes(off, sizeMpcCPU)
		require.NoError(t, err)

		require.Equal(t, byte(mpProcessor), entry[0])
		require.Equal(t, id, entry[1])

		if id == 0 {
			require.Equal(t, byte(mpCPUEnabled|mpCPUBootProcessor), entry[3])
		} else {
			require.Equal(t, byte(mpCPUEnabled), entry[3])
		}
	}
}

func TestMpTableCPUEntryCountMax(t *testing.T) {
	size := ComputeMPSize(MaxSupportedCPUs)
	mem := newTestMemory(t, MPTableStart+size+4096)

	require.NoError(t, SetupMPTable(mem, MaxSupportedCPUs))
}
