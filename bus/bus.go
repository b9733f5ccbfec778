// Package bus implements the ordered, non-overlapping guest-address-range
// to device map that vCPU MMIO/PIO exits are dispatched through.
package bus

import (
	"errors"
	"sort"
	"sync"

	"github.com/gokvm/microvm/device"
)

// ErrOverlap is returned by Insert when the new range intersects an
// existing one, or when len == 0.
var ErrOverlap = errors.New("bus: overlapping or empty range")

type entry struct {
	base, length uint64
	dev          device.Device
	mu           *sync.Mutex
}

// Bus is an ordered map from [base, base+len) to a device, looked up by
// guest address in O(log n) via binary search over a sorted slice.
//
// Mutated only during setup and virtio hot-plug; once a vCPU is running,
// Read/Write may be called concurrently from multiple vCPU threads.
type Bus struct {
	mu      sync.RWMutex
	entries []entry
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Insert registers dev at [base, base+length). It fails if length is zero
// or if the range intersects any already-registered range.
func (b *Bus) Insert(dev device.Device, base, length uint64) error {
	if length == 0 {
		return ErrOverlap
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].base >= base
	})

	if idx > 0 {
		prev := b.entries[idx-1]
		if prev.base+prev.length > base {
			return ErrOverlap
		}
	}

	if idx < len(b.entries) {
		next := b.entries[idx]
		if base+length > next.base {
			return ErrOverlap
		}
	}

	e := entry{base: base, length: length, dev: dev, mu: &sync.Mutex{}}

	b.entries = append(b.entries, entry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = e

	return nil
}

// lookup returns the entry containing addr, if any.
func (b *Bus) lookup(addr uint64) (entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].base+b.entries[i].length > addr
	})

	if idx == len(b.entries) || addr < b.entries[idx].base {
		return entry{}, false
	}

	return b.entries[idx], true
}

// Read dispatches a read at addr to its owning device, under that device's
// exclusive lock. It reports whether any device handled the address; an
// unhandled address is not an error (the vCPU continues, the guest sees
// hardware-default behavior, usually all-ones).
func (b *Bus) Read(addr uint64, out []byte) bool {
	e, ok := b.lookup(addr)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.Read(addr-e.base, out)

	return true
}

// Write dispatches a write at addr to its owning device, under that
// device's exclusive lock. Same "not handled is not an error" contract as
// Read.
func (b *Bus) Write(addr uint64, in []byte) bool {
	e, ok := b.lookup(addr)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.dev.Write(addr-e.base, in)

	return true
}

// Get returns the (offset, device) pair for addr, mirroring the contract
// spec's Testable Property #3 checks directly.
func (b *Bus) Get(addr uint64) (uint64, device.Device, bool) {
	e, ok := b.lookup(addr)
	if !ok {
		return 0, nil, false
	}

	return addr - e.base, e.dev, true
}
