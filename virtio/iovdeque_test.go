package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Mirrors Testable Property #6: after any sequence of PushBack/PopFront
// that leaves k elements, AsSlice().len() == k and the slice is
// contiguous (no wrap copy needed to build it).
func TestIovDequeContiguitySurvivesWrap(t *testing.T) {
	d, err := NewIovDeque()
	require.NoError(t, err)
	defer d.Close()

	// Push and pop enough times to move start to slot MaxQueueSize-2, so the
	// three pushes below wrap past the physical slot boundary, then confirm
	// the window is still one contiguous slice.
	for i := 0; i < MaxQueueSize-2; i++ {
		d.PushBack(IovEntry{HostAddr: uintptr(i), Len: 1})
		_, _ = d.PopFront()
	}

	d.PushBack(IovEntry{HostAddr: 0xAAAA, Len: 4})
	d.PushBack(IovEntry{HostAddr: 0xBBBB, Len: 8})
	d.PushBack(IovEntry{HostAddr: 0xCCCC, Len: 16})

	require.Equal(t, 3, d.Len())

	s := d.AsSlice()
	require.Len(t, s, 3)
	require.Equal(t, uintptr(0xAAAA), s[0].HostAddr)
	require.Equal(t, uintptr(0xBBBB), s[1].HostAddr)
	require.Equal(t, uintptr(0xCCCC), s[2].HostAddr)
}
