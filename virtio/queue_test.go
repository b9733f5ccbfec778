package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/gokvm/microvm/guestmemory"
	"github.com/stretchr/testify/require"
)

const (
	testDescTableAddr = 0x1000
	testAvailAddr     = 0x2000
	testUsedAddr      = 0x3000
	testDataAddr      = 0x4000
)

func newTestQueue(t *testing.T, size uint16) (*guestmemory.Memory, *Queue) {
	t.Helper()

	mem, err := guestmemory.New(0, []uint64{1 << 20}, false)
	require.NoError(t, err)

	return mem, NewQueue(mem, size, testDescTableAddr, testAvailAddr, testUsedAddr)
}

func writeDescriptor(t *testing.T, mem *guestmemory.Memory, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()

	base := testDescTableAddr + uint64(idx)*descSize

	require.NoError(t, mem.PutUint64(base, addr))
	require.NoError(t, mem.PutUint32(base+8, length))

	var fb [2]byte

	binary.LittleEndian.PutUint16(fb[:], flags)
	_, err := mem.WriteAt(fb[:], int64(base+12))
	require.NoError(t, err)

	binary.LittleEndian.PutUint16(fb[:], next)
	_, err = mem.WriteAt(fb[:], int64(base+14))
	require.NoError(t, err)
}

// postAvail posts headIdx into available-ring slot slot and advances the
// guest-visible avail.idx to slot+1, mirroring what a driver would write
// after publishing one descriptor chain.
func postAvail(t *testing.T, mem *guestmemory.Memory, size, slot, headIdx uint16) {
	t.Helper()

	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], headIdx)
	_, err := mem.WriteAt(b[:], int64(testAvailAddr+availHdr+uint64(slot%size)*ringEntry))
	require.NoError(t, err)

	binary.LittleEndian.PutUint16(b[:], slot+1)
	_, err = mem.WriteAt(b[:], int64(testAvailAddr+2))
	require.NoError(t, err)
}

// Testable Property #5: a chain whose length would exceed the negotiated
// queue size is rejected with ErrChainTooLong, not silently accepted.
func TestPopChainRejectsChainLongerThanQueueSize(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 1)

	writeDescriptor(t, mem, 0, testDataAddr, 8, descFlagNext, 1)
	writeDescriptor(t, mem, 1, testDataAddr+8, 8, 0, 0)
	postAvail(t, mem, 1, 0, 0)

	_, _, err := q.PopChain()
	require.ErrorIs(t, err, ErrChainTooLong)
}

func TestPopChainAcceptsChainExactlyAtQueueSize(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 2)

	writeDescriptor(t, mem, 0, testDataAddr, 8, descFlagNext, 1)
	writeDescriptor(t, mem, 1, testDataAddr+8, 8, 0, 0)
	postAvail(t, mem, 2, 0, 0)

	head, chunks, err := q.PopChain()
	require.NoError(t, err)
	require.Equal(t, uint16(0), head)
	require.Len(t, chunks, 2)
}

func TestPopChainAcceptsSingleDescriptorChain(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 1)

	writeDescriptor(t, mem, 0, testDataAddr, 8, 0, 0)
	postAvail(t, mem, 1, 0, 0)

	_, chunks, err := q.PopChain()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestPopChainMarksWritableSegments(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 2)

	writeDescriptor(t, mem, 0, testDataAddr, 4, descFlagNext, 1)
	writeDescriptor(t, mem, 1, testDataAddr+4, 4, descFlagWrite, 0)
	postAvail(t, mem, 2, 0, 0)

	_, chunks, err := q.PopChain()
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.False(t, chunks[0].Write)
	require.True(t, chunks[1].Write)
}

// The iovec ring is cleared at the start of every PopChain; a stale entry
// left over from a shorter previous chain must never leak into the next
// chain's segment list.
func TestPopChainDoesNotLeakPriorChainSegments(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 4)

	writeDescriptor(t, mem, 0, testDataAddr, 4, descFlagNext, 2)
	writeDescriptor(t, mem, 2, testDataAddr+4, 4, 0, 0)
	postAvail(t, mem, 4, 0, 0)

	_, chunks1, err := q.PopChain()
	require.NoError(t, err)
	require.Len(t, chunks1, 2)

	writeDescriptor(t, mem, 1, testDataAddr+8, 4, 0, 0)
	postAvail(t, mem, 4, 1, 1)

	_, chunks2, err := q.PopChain()
	require.NoError(t, err)
	require.Len(t, chunks2, 1)
}

func TestPushUsedAdvancesUsedRing(t *testing.T) {
	t.Parallel()

	mem, q := newTestQueue(t, 4)

	require.NoError(t, q.PushUsed(3, 128))

	usedIdxB, err := mem.Bytes(testUsedAddr+2, 2)
	require.NoError(t, err)
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(usedIdxB))

	elem, err := mem.Bytes(testUsedAddr+usedHdr, usedElem)
	require.NoError(t, err)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(elem[0:4]))
	require.Equal(t, uint32(128), binary.LittleEndian.Uint32(elem[4:8]))
}

func TestQueueCloseIsNoopWithoutPopChain(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, 4)

	require.NoError(t, q.Close())
}
