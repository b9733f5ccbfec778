package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokvm/microvm/device"
)

type constantDevice struct{ base byte }

func (d *constantDevice) Read(offset uint64, out []byte) {
	for i := range out {
		out[i] = d.base + byte(offset) + byte(i)
	}
}

func (d *constantDevice) Write(offset uint64, in []byte) {}

func TestInsertRejectsZeroLength(t *testing.T) {
	b := New()
	require.ErrorIs(t, b.Insert(&constantDevice{}, 0x10, 0), ErrOverlap)
}

// Mirrors original_source's bus_insert scenario and spec.md's bus-
// insertion-rejection end-to-end scenario exactly.
func TestInsertOverlapSequence(t *testing.T) {
	b := New()

	require.NoError(t, b.Insert(&constantDevice{}, 0x10, 0x10))
	require.ErrorIs(t, b.Insert(&constantDevice{}, 0x12, 0x4), ErrOverlap)
	require.NoError(t, b.Insert(&constantDevice{}, 0x20, 0x10))

	offset, dev, ok := b.Get(0x25)
	require.True(t, ok)
	require.Equal(t, uint64(5), offset)
	require.NotNil(t, dev)
}

func TestGetMissReportsUnhandled(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(&constantDevice{}, 0x10, 0x10))

	_, _, ok := b.Get(0x05)
	require.False(t, ok)

	_, _, ok = b.Get(0x20)
	require.False(t, ok)
}

func TestReadWriteDispatch(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(&constantDevice{base: 0x40}, 0x100, 0x10))

	out := make([]byte, 2)
	require.True(t, b.Read(0x103, out))
	require.Equal(t, []byte{0x43, 0x44}, out)

	require.False(t, b.Read(0x200, out))
}
