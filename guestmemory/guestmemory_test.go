package guestmemory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	m, err := New(0, []uint64{4096, 8192}, false)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 100)
	_, err = m.WriteAt(payload, 4090)
	require.NoError(t, err)

	got := make([]byte, 100)
	_, err = m.ReadAt(got, 4090)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestAddressOverflow(t *testing.T) {
	m, err := New(0, []uint64{4096}, false)
	require.NoError(t, err)

	_, err = m.WriteAt([]byte{1}, 4096)
	require.ErrorIs(t, err, ErrAddressOverflow)
}

func TestBytesWindow(t *testing.T) {
	m, err := New(0x1000, []uint64{4096}, false)
	require.NoError(t, err)

	require.NoError(t, m.PutUint32(0x1000, 0xdeadbeef))

	b, err := m.Bytes(0x1000, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, b)
}
