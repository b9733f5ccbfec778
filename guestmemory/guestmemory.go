// Package guestmemory models the VM's guest-physical address space as a set
// of non-overlapping, host-backed regions.
package guestmemory

import (
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAddressOverflow is returned whenever an access falls outside every
// registered region.
var ErrAddressOverflow = errors.New("guestmemory: address overflow")

// Region is one contiguous, host-backed slab of guest-physical memory.
type Region struct {
	GuestAddr uint64
	data      []byte
	dirty     bool
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// HostAddr returns the host virtual address backing this region, for
// installing it into KVM via kvm.UserspaceMemoryRegion.UserspaceAddr.
func (r *Region) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// Memory is the VM's guest-physical address space: an ordered, non-
// overlapping set of Regions created once before the VM boots and never
// resized afterward.
type Memory struct {
	regions []*Region
}

// New builds a Memory from host-anonymous mmap'd regions, one per entry in
// sizes, placed back to back starting at base. dirtyTracking marks every
// region for KVM_MEM_LOG_DIRTY_PAGES when later installed into the VM.
func New(base uint64, sizes []uint64, dirtyTracking bool) (*Memory, error) {
	m := &Memory{}
	addr := base

	for _, size := range sizes {
		data, err := unix.Mmap(-1, 0, int(size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, err
		}

		m.regions = append(m.regions, &Region{GuestAddr: addr, data: data, dirty: dirtyTracking})
		addr += size
	}

	return m, nil
}

// Regions returns the installed regions in ascending guest-address order,
// for installation into the VM via SetUserMemoryRegion.
func (m *Memory) Regions() []*Region { return m.regions }

func (m *Memory) find(addr uint64) (*Region, uint64, error) {
	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].GuestAddr+m.regions[i].Size() > addr
	})

	if idx == len(m.regions) || addr < m.regions[idx].GuestAddr {
		return nil, 0, ErrAddressOverflow
	}

	return m.regions[idx], addr - m.regions[idx].GuestAddr, nil
}

// ReadAt implements io.ReaderAt against the guest-physical address space.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.readWrite(p, uint64(off), false)
}

// WriteAt implements io.WriterAt against the guest-physical address space.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.readWrite(p, uint64(off), true)
}

func (m *Memory) readWrite(p []byte, addr uint64, write bool) (int, error) {
	n := 0

	for n < len(p) {
		r, off, err := m.find(addr + uint64(n))
		if err != nil {
			if n > 0 {
				return n, err
			}

			return 0, err
		}

		avail := r.Size() - off
		chunk := uint64(len(p) - n)

		if chunk > avail {
			chunk = avail
		}

		if write {
			copy(r.data[off:off+chunk], p[n:n+int(chunk)])
		} else {
			copy(p[n:n+int(chunk)], r.data[off:off+chunk])
		}

		n += int(chunk)
	}

	return n, nil
}

// Bytes returns the live backing slice for the length-byte window starting
// at addr, for callers (the boot-protocol generator, virtio descriptor
// walking) that need direct, zero-copy access instead of a read/write
// round-trip. The slice must not be retained past the next memory mutation
// that could remap regions (never happens post-boot, per the lifecycle
// invariant).
func (m *Memory) Bytes(addr uint64, length uint64) ([]byte, error) {
	r, off, err := m.find(addr)
	if err != nil {
		return nil, err
	}

	if off+length > r.Size() {
		return nil, ErrAddressOverflow
	}

	return r.data[off : off+length], nil
}

// PutUint32 writes a little-endian uint32 at addr.
func (m *Memory) PutUint32(addr uint64, v uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)
	_, err := m.WriteAt(b[:], int64(addr))

	return err
}

// PutUint64 writes a little-endian uint64 at addr.
func (m *Memory) PutUint64(addr uint64, v uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)
	_, err := m.WriteAt(b[:], int64(addr))

	return err
}

// EnableDirtyTracking marks every region as dirty-tracked. The KVM side
// still needs SetMemLogDirtyPages + a re-install of the slot for the
// kernel to actually start logging; this flips the region-local flag the
// Diff-snapshot path consults.
func (m *Memory) EnableDirtyTracking() {
	for _, r := range m.regions {
		r.dirty = true
	}
}

// DirtyTrackingEnabled reports whether every region was created with
// dirty-page tracking on, the precondition a Diff snapshot's dirty-page
// bitmap relies on to mean anything.
func (m *Memory) DirtyTrackingEnabled() bool {
	for _, r := range m.regions {
		if !r.dirty {
			return false
		}
	}

	return len(m.regions) > 0
}

// WriteTo dumps the entire address space, in region order, for a Full
// snapshot.
func (m *Memory) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for _, r := range m.regions {
		n, err := w.Write(r.data)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// ReadFrom restores the entire address space, in region order, for
// LoadSnapshot.
func (m *Memory) ReadFrom(r io.Reader) (int64, error) {
	var total int64

	for _, reg := range m.regions {
		n, err := io.ReadFull(r, reg.data)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
