// Package virtio implements the virtio-over-MMIO transport and the
// descriptor-queue engine shared by every virtio device (net, block,
// vsock, entropy).
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/gokvm/microvm/guestmemory"
)

// MaxQueueSize is the largest negotiable queue size (power of two); chosen
// to match the pack's own QueueSize ceiling and the virtio-net driver's
// MAX_SKB_FRAGS-derived minimum bound, grounded on
// other_examples/fd143688_bobuhiro11-gokvm__virtio-net.go.go's QueueSize.
const MaxQueueSize = 256

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2
)

const (
	descSize  = 16 // addr(8) + len(4) + flags(2) + next(2)
	availHdr  = 4  // flags(2) + idx(2)
	usedHdr   = 4  // flags(2) + idx(2)
	usedElem  = 8  // id(4) + len(4)
	ringEntry = 2  // uint16 index slot
)

// ErrChainTooLong is returned when a descriptor chain's length would exceed
// the queue's negotiated size, protecting against malicious or broken
// drivers per spec §4.3.
var ErrChainTooLong = errors.New("virtio: descriptor chain too long")

// ErrBadDescriptor is returned for an out-of-range or otherwise malformed
// descriptor index.
var ErrBadDescriptor = errors.New("virtio: descriptor index out of range")

// Descriptor mirrors one slot of the guest-resident descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Chunk is one (host address, length) segment of a walked descriptor
// chain; Write reports whether the segment is device-writable.
type Chunk struct {
	Host  []byte
	Write bool
}

// Queue is a VirtioQueue: the index pair over a guest-resident descriptor
// ring and its two guest-resident index rings (available, used).
type Queue struct {
	mem  *guestmemory.Memory
	size uint16 // negotiated size, power of two, <= MaxQueueSize

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	lastAvailIdx uint16

	// iov is the scratch ring PopChain stages each chain's segments
	// through, created lazily on first use. Reused across calls instead
	// of growing a fresh slice per chain.
	iov *IovDeque
}

// Close releases the queue's iovec ring, if one was ever allocated. Call
// this when the queue is being torn down (device reset, transport
// teardown) so the double-mapped pages don't leak.
func (q *Queue) Close() error {
	if q.iov == nil {
		return nil
	}

	return q.iov.Close()
}

// NewQueue binds a Queue of the negotiated size to the three guest
// addresses the driver wrote into the transport's queue registers.
func NewQueue(mem *guestmemory.Memory, size uint16, descTableAddr, availAddr, usedAddr uint64) *Queue {
	return &Queue{
		mem: mem, size: size,
		descTableAddr: descTableAddr, availAddr: availAddr, usedAddr: usedAddr,
	}
}

// Size returns the queue's negotiated size.
func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) availIdx() (uint16, error) {
	b, err := q.mem.Bytes(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Queue) availRingEntry(i uint16) (uint16, error) {
	off := q.availAddr + availHdr + uint64(i%q.size)*ringEntry

	b, err := q.mem.Bytes(off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (q *Queue) descriptor(idx uint16) (Descriptor, error) {
	if idx >= q.size {
		return Descriptor{}, ErrBadDescriptor
	}

	off := q.descTableAddr + uint64(idx)*descSize

	b, err := q.mem.Bytes(off, descSize)
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}

// HasAvail reports whether the driver has posted a descriptor chain the
// device hasn't consumed yet.
func (q *Queue) HasAvail() (bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}

	return idx != q.lastAvailIdx, nil
}

// PopChain walks the next available descriptor chain, bounding its length
// to the queue size (ErrChainTooLong on violation), and returns the chain
// head index plus the segment list. It does not yet append a used-ring
// entry; call PushUsed once the device-specific operation completes.
//
// The chain is staged through the queue's IovDeque rather than a
// plain growing slice: each descriptor is pushed as it's walked, the
// deque is cleared at the start of every call, and the final segment
// list is read back out of its contiguous, wraparound-free window.
func (q *Queue) PopChain() (headIdx uint16, chunks []Chunk, err error) {
	headIdx, err = q.availRingEntry(q.lastAvailIdx)
	if err != nil {
		return 0, nil, err
	}

	if q.iov == nil {
		q.iov, err = NewIovDeque()
		if err != nil {
			return 0, nil, fmt.Errorf("virtio: allocate iovec ring: %w", err)
		}
	}

	q.iov.Clear()

	idx := headIdx

	for i := uint16(0); ; i++ {
		if i >= q.size {
			return 0, nil, ErrChainTooLong
		}

		d, err := q.descriptor(idx)
		if err != nil {
			return 0, nil, err
		}

		host, err := q.mem.Bytes(d.Addr, uint64(d.Len))
		if err != nil {
			return 0, nil, err
		}

		var addr uintptr
		if len(host) > 0 {
			addr = uintptr(unsafe.Pointer(&host[0]))
		}

		q.iov.PushBack(IovEntry{HostAddr: addr, Len: d.Len, Write: d.Flags&descFlagWrite != 0})

		if d.Flags&descFlagNext == 0 {
			break
		}

		idx = d.Next
	}

	q.lastAvailIdx++

	entries := q.iov.AsSlice()
	chunks = make([]Chunk, len(entries))

	for i, e := range entries {
		var b []byte
		if e.Len > 0 {
			b = unsafe.Slice((*byte)(unsafe.Pointer(e.HostAddr)), e.Len)
		}

		chunks[i] = Chunk{Host: b, Write: e.Write}
	}

	return headIdx, chunks, nil
}

// PushUsed appends a used-ring entry recording headIdx and the number of
// bytes the device wrote into the chain's writable segments, then advances
// used.idx. The caller is responsible for raising the device interrupt
// afterward (release semantics: used-ring update happens-before IRQ).
func (q *Queue) PushUsed(headIdx uint16, length uint32) error {
	usedIdxB, err := q.mem.Bytes(q.usedAddr+2, 2)
	if err != nil {
		return err
	}

	usedIdx := binary.LittleEndian.Uint16(usedIdxB)

	elemOff := q.usedAddr + usedHdr + uint64(usedIdx%q.size)*usedElem

	elem, err := q.mem.Bytes(elemOff, usedElem)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(elem[0:4], uint32(headIdx))
	binary.LittleEndian.PutUint32(elem[4:8], length)

	binary.LittleEndian.PutUint16(usedIdxB, usedIdx+1)

	return nil
}
