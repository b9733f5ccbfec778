// Package devicemgr wraps a VM's bus with the MMIO-window and IRQ
// allocators spec §4.2 describes: fixed 4 KiB windows from a known base,
// and a dense IRQ range with a free-list, so virtio devices are registered
// in the deterministic order their control-plane actions arrive in.
package devicemgr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gokvm/microvm/boot"
	"github.com/gokvm/microvm/virtio"
	"github.com/gokvm/microvm/vmm"
)

const (
	mmioWindowBase = 0xd0000000
	mmioWindowSize = 0x1000

	irqBase = 5
	irqMax  = 23
)

// Attached records one virtio device's allocation, for snapshot/restore
// ordering and for /drives update-in-place lookups.
type Attached struct {
	Kind      string // "block", "net", "vsock", "entropy"
	ID        string
	Addr      uint64
	IRQ       uint32
	Transport *virtio.MmioTransport
	Backend   virtio.Backend
}

// Manager allocates MMIO windows and IRQ lines and wires virtio devices
// into a VM's bus in registration order.
type Manager struct {
	vm *vmm.VM

	mu        sync.Mutex
	nextAddr  uint64
	usedIRQs  map[uint32]bool
	nextIRQ   uint32
	byKey     map[string]*Attached
	inOrder   []*Attached
}

// New wraps vm with a fresh allocator state.
func New(vm *vmm.VM) *Manager {
	return &Manager{
		vm:       vm,
		nextAddr: mmioWindowBase,
		usedIRQs: make(map[uint32]bool),
		nextIRQ:  irqBase,
		byKey:    make(map[string]*Attached),
	}
}

// errNoFreeIRQ is returned when every IRQ line in the dense allocation
// range is already in use.
var errNoFreeIRQ = fmt.Errorf("devicemgr: no free irq in [%d, %d]", irqBase, irqMax)

func (m *Manager) allocIRQ() (uint32, error) {
	for irq := m.nextIRQ; irq <= irqMax; irq++ {
		if !m.usedIRQs[irq] {
			m.usedIRQs[irq] = true
			m.nextIRQ = irq + 1

			return irq, nil
		}
	}

	for irq := uint32(irqBase); irq < m.nextIRQ; irq++ {
		if !m.usedIRQs[irq] {
			m.usedIRQs[irq] = true

			return irq, nil
		}
	}

	return 0, errNoFreeIRQ
}

func (m *Manager) freeIRQ(irq uint32) {
	delete(m.usedIRQs, irq)
}

// Attach allocates one MMIO window and one IRQ for backend, installs its
// transport into the VM's bus, and records it under (kind, id) for later
// lookup (update-in-place PUT requests, snapshot ordering).
func (m *Manager) Attach(kind, id string, backend virtio.Backend) (*Attached, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := kind + "/" + id
	if _, exists := m.byKey[key]; exists {
		return nil, fmt.Errorf("devicemgr: %s already attached", key)
	}

	irq, err := m.allocIRQ()
	if err != nil {
		return nil, err
	}

	addr := m.nextAddr

	transport, err := virtio.NewMmioTransport(m.vm.Mem, backend, m.vm.VMFd(), irq)
	if err != nil {
		m.freeIRQ(irq)

		return nil, fmt.Errorf("devicemgr: new mmio transport for %s: %w", key, err)
	}

	if err := m.vm.Bus.Insert(transport, addr, mmioWindowSize); err != nil {
		m.freeIRQ(irq)

		return nil, fmt.Errorf("devicemgr: attach %s at %#x: %w", key, addr, err)
	}

	m.nextAddr += mmioWindowSize

	a := &Attached{Kind: kind, ID: id, Addr: addr, IRQ: irq, Transport: transport, Backend: backend}
	m.byKey[key] = a
	m.inOrder = append(m.inOrder, a)

	return a, nil
}

// Get returns the previously attached device for (kind, id), if any.
func (m *Manager) Get(kind, id string) (*Attached, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byKey[kind+"/"+id]

	return a, ok
}

// All returns every attached device in registration order.
func (m *Manager) All() []*Attached {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Attached, len(m.inOrder))
	copy(out, m.inOrder)

	return out
}

// MmioClauses returns the boot.MmioDeviceClause for every attached device,
// in registration (and therefore address) order, for BuildCmdline's
// virtio_mmio.device= injection.
func (m *Manager) MmioClauses() []boot.MmioDeviceClause {
	m.mu.Lock()
	defer m.mu.Unlock()

	clauses := make([]boot.MmioDeviceClause, len(m.inOrder))
	for i, a := range m.inOrder {
		clauses[i] = boot.MmioDeviceClause{Size: mmioWindowSize, Addr: a.Addr, IRQ: a.IRQ}
	}

	sort.Slice(clauses, func(i, j int) bool { return clauses[i].Addr < clauses[j].Addr })

	return clauses
}
