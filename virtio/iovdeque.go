package virtio

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IovEntry is one (host address, length) segment held in an IovDeque;
// Write reports whether the segment is device-writable, same meaning as
// Chunk.Write.
type IovEntry struct {
	HostAddr uintptr
	Len      uint32
	Write    bool
}

const iovEntrySize = int(unsafe.Sizeof(IovEntry{}))

// IovDeque is a ring buffer of IovEntry values sized to MaxQueueSize,
// double-mapped (the same physical page mapped at two adjacent virtual
// pages) so that AsSlice always returns a contiguous window even when the
// logical ring wraps, avoiding a copy on every descriptor-chain
// consumption. Mirrors original_source's
// src/vmm/src/devices/virtio/iov_deque.rs.
type IovDeque struct {
	mem   []byte // two mmap'd pages over the same physical page
	start uint16
	len   uint16
}

var errPageSizeMismatch = errors.New("virtio: iovec size * MaxQueueSize must equal one page")

// NewIovDeque allocates the double mapping via memfd_create + two adjacent
// mmaps of the same fd, exactly as the Rust original does.
func NewIovDeque() (*IovDeque, error) {
	pageSize := unix.Getpagesize()
	if iovEntrySize*MaxQueueSize != pageSize {
		return nil, errPageSizeMismatch
	}

	fd, err := unix.MemfdCreate("iovdeque", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(pageSize)); err != nil {
		return nil, err
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		return nil, err
	}

	// Reserve two contiguous pages of address space, PROT_NONE, so the
	// kernel won't place anything else inside the range we then remap.
	reservation, err := unix.Mmap(-1, 0, pageSize*2,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&reservation[0]))

	if err := mmapFixed(base, uintptr(pageSize), fd); err != nil {
		return nil, err
	}

	if err := mmapFixed(base+uintptr(pageSize), uintptr(pageSize), fd); err != nil {
		return nil, err
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), pageSize*2)

	return &IovDeque{mem: buf}, nil
}

func mmapFixed(addr, length uintptr, fd int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED), uintptr(fd), 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// physicalSlot maps a logical ring position onto its single backing
// physical slot, in [0, MaxQueueSize).
func (d *IovDeque) physicalSlot(logical uint16) *IovEntry {
	off := int(logical%MaxQueueSize) * iovEntrySize

	return (*IovEntry)(unsafe.Pointer(&d.mem[off]))
}

// PushBack appends an entry; callers must not exceed MaxQueueSize live
// entries (the device never pushes more segments than its queue size).
func (d *IovDeque) PushBack(e IovEntry) {
	*d.physicalSlot(d.start + d.len) = e
	d.len++
}

// PopFront removes and returns the oldest entry.
func (d *IovDeque) PopFront() (IovEntry, bool) {
	if d.len == 0 {
		return IovEntry{}, false
	}

	e := *d.physicalSlot(d.start)
	d.start = (d.start + 1) % MaxQueueSize
	d.len--

	return e, true
}

// Len reports the number of live entries.
func (d *IovDeque) Len() int { return int(d.len) }

// Clear drops every live entry without popping them individually, for
// reuse across chains: each PopChain call starts from an empty deque.
func (d *IovDeque) Clear() {
	d.start = 0
	d.len = 0
}

// AsSlice returns the live entries as one contiguous slice, exploiting the
// double mapping: reading the virtual window [start, start+len) never
// needs to wrap-and-copy, because offsets past MaxQueueSize are backed by
// the same physical page as the start of the ring.
func (d *IovDeque) AsSlice() []IovEntry {
	off := int(d.start) * iovEntrySize

	return unsafe.Slice((*IovEntry)(unsafe.Pointer(&d.mem[off])), int(d.len))
}

// Close releases the backing double mapping.
func (d *IovDeque) Close() error {
	if d.mem == nil {
		return nil
	}

	err := unix.Munmap(d.mem)
	d.mem = nil

	return err
}
