package boot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBzImage is not a valid bzImage in every field, but it has setup_sects
// at the documented offset and the payload right after the setup area
// (setup_sects+1 sectors, a setup_sects of 0 counting as 4), where the copy
// path LoadKernel falls back to when debug/elf rejects the image reads it.
func fakeBzImage(setupSects byte, payload []byte) *bytes.Reader {
	sects := int(setupSects)
	if sects == 0 {
		sects = 4
	}

	off := (sects + 1) * defaultSetupSectorSize
	buf := make([]byte, off+len(payload))
	buf[0x1f1] = setupSects
	copy(buf[off:], payload)

	return bytes.NewReader(buf)
}

func TestLoadKernelBzImageFallback(t *testing.T) {
	mem := newTestMemory(t, 256<<20)

	payload := []byte("not-really-a-kernel-but-nonzero")
	img := fakeBzImage(0, payload)

	loaded, err := LoadKernel(mem, img, HighMemBase, 16<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(HighMemBase), loaded.EntryAddr)
	require.False(t, loaded.LongMode)

	got, err := mem.Bytes(HighMemBase, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestLoadKernelZeroSizeFails(t *testing.T) {
	mem := newTestMemory(t, 256<<20)

	img := fakeBzImage(0, nil)

	_, err := LoadKernel(mem, img, HighMemBase, 16<<20)
	require.ErrorIs(t, err, ErrZeroSizeKernel)
}

func TestLoadInitrd(t *testing.T) {
	mem := newTestMemory(t, 256<<20)

	data := []byte("initrd-contents")
	n, err := LoadInitrd(mem, bytes.NewReader(data), 0x40000, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), n)

	got, err := mem.Bytes(0x40000, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}
