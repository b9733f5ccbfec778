package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/gokvm/microvm/guestmemory"
	"github.com/gokvm/microvm/kvm"
)

// Status bits, per the virtio spec's device status field.
const (
	StatusReset      = 0
	StatusAck        = 1 << 0
	StatusDriver     = 1 << 1
	StatusFailed     = 1 << 7
	StatusFeaturesOK = 1 << 3
	StatusDriverOK   = 1 << 2
)

// MMIO register offsets within the 4 KiB transport window.
const (
	regMagic         = 0x000
	regVersion       = 0x004
	regDeviceID      = 0x008
	regVendorID      = 0x00c
	regHostFeatures  = 0x010
	regHostFeatSel   = 0x014
	regGuestFeatures = 0x020
	regGuestFeatSel  = 0x024
	regQueueSel      = 0x030
	regQueueNumMax   = 0x034
	regQueueNum      = 0x038
	regQueueReady    = 0x044
	regQueueNotify   = 0x050
	regInterruptStat = 0x060
	regInterruptAck  = 0x064
	regStatus        = 0x070
	regQueueDescLo   = 0x080
	regQueueDescHi   = 0x084
	regQueueAvailLo  = 0x090
	regQueueAvailHi  = 0x094
	regQueueUsedLo   = 0x0a0
	regQueueUsedHi   = 0x0a4
	regConfigGen     = 0x0fc
	regConfigBase    = 0x100
)

const (
	virtioMagic   = 0x74726976 // "virt"
	virtioVersion = 2
)

// Backend is implemented by each virtio device class (net, block, vsock,
// entropy) to react to queue-notify and to expose its config space and
// feature bits.
type Backend interface {
	DeviceID() uint32
	NumQueues() int
	QueueSizeMax() uint16
	Features() uint64
	ConfigRead(offset uint64, out []byte)
	ConfigWrite(offset uint64, in []byte)
	// Notify is invoked once a specific queue has new available
	// descriptors; queues[idx] is already bound into guest memory.
	Notify(idx int, q *Queue) error
}

type queueState struct {
	size     uint16
	ready    bool
	descLo   uint32
	descHi   uint32
	availLo  uint32
	availHi  uint32
	usedLo   uint32
	usedHi   uint32
	bound    *Queue
	notifyFD int
}

// MmioTransport binds one virtio Backend to a 4 KiB MMIO window, per
// spec §4.3/§3's MmioTransport data model entry.
type MmioTransport struct {
	mu sync.Mutex

	mem     *guestmemory.Memory
	backend Backend

	status        uint32
	hostFeatSel   uint32
	guestFeatSel  uint32
	guestFeatures uint64
	queueSel      uint32
	queues        []queueState
	interruptStat uint32

	vmFd    uintptr
	irqLine uint32
	irqFD   int
}

// NewMmioTransport constructs a transport over backend, ready to be
// installed into the bus at a device-manager-allocated window.
func NewMmioTransport(mem *guestmemory.Memory, backend Backend, vmFd uintptr, irqLine uint32) (*MmioTransport, error) {
	irqFD, err := kvm.NewEventfd()
	if err != nil {
		return nil, err
	}

	if err := kvm.RegisterIRQFD(vmFd, int32(irqFD), irqLine); err != nil {
		return nil, err
	}

	t := &MmioTransport{
		mem: mem, backend: backend, vmFd: vmFd, irqLine: irqLine, irqFD: irqFD,
		queues: make([]queueState, backend.NumQueues()),
	}

	return t, nil
}

// IRQFD returns the transport's interrupt eventfd, for the event
// multiplexer / snapshot machinery.
func (t *MmioTransport) IRQFD() int { return t.irqFD }

// Read implements device.Device.
func (t *MmioTransport) Read(offset uint64, out []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset == regMagic:
		putLE32(out, virtioMagic)
	case offset == regVersion:
		putLE32(out, virtioVersion)
	case offset == regDeviceID:
		putLE32(out, t.backend.DeviceID())
	case offset == regVendorID:
		putLE32(out, 0x554d4551) // "QEMU", kept for driver compatibility
	case offset == regHostFeatures:
		if t.hostFeatSel == 0 {
			putLE32(out, uint32(t.backend.Features()))
		} else {
			putLE32(out, uint32(t.backend.Features()>>32))
		}
	case offset == regQueueNumMax:
		putLE32(out, uint32(t.backend.QueueSizeMax()))
	case offset == regQueueReady:
		if t.queueSel < uint32(len(t.queues)) && t.queues[t.queueSel].ready {
			putLE32(out, 1)
		} else {
			putLE32(out, 0)
		}
	case offset == regInterruptStat:
		putLE32(out, t.interruptStat)
	case offset == regStatus:
		putLE32(out, t.status)
	case offset == regConfigGen:
		putLE32(out, 0)
	case offset >= regConfigBase:
		t.backend.ConfigRead(offset-regConfigBase, out)
	}
}

// Write implements device.Device.
func (t *MmioTransport) Write(offset uint64, in []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset == regHostFeatSel:
		t.hostFeatSel = getLE32(in)
	case offset == regGuestFeatures:
		if t.guestFeatSel == 0 {
			t.guestFeatures = t.guestFeatures&^0xffffffff | uint64(getLE32(in))
		} else {
			t.guestFeatures = t.guestFeatures&0xffffffff | uint64(getLE32(in))<<32
		}
	case offset == regGuestFeatSel:
		t.guestFeatSel = getLE32(in)
	case offset == regQueueSel:
		t.queueSel = getLE32(in)
	case offset == regQueueNum:
		t.withQueue(func(q *queueState) {
			size := getLE32(in)
			if size > MaxQueueSize {
				size = MaxQueueSize
			}

			q.size = uint16(size)
		})
	case offset == regQueueReady:
		t.withQueue(func(q *queueState) {
			q.ready = getLE32(in) != 0
			if q.ready {
				t.bindQueue(t.queueSel)
			}
		})
	case offset == regQueueDescLo:
		t.withQueue(func(q *queueState) { q.descLo = getLE32(in) })
	case offset == regQueueDescHi:
		t.withQueue(func(q *queueState) { q.descHi = getLE32(in) })
	case offset == regQueueAvailLo:
		t.withQueue(func(q *queueState) { q.availLo = getLE32(in) })
	case offset == regQueueAvailHi:
		t.withQueue(func(q *queueState) { q.availHi = getLE32(in) })
	case offset == regQueueUsedLo:
		t.withQueue(func(q *queueState) { q.usedLo = getLE32(in) })
	case offset == regQueueUsedHi:
		t.withQueue(func(q *queueState) { q.usedHi = getLE32(in) })
	case offset == regQueueNotify:
		t.handleNotify(uint32(getLE32(in)))
	case offset == regInterruptAck:
		t.interruptStat &^= getLE32(in)
	case offset == regStatus:
		t.setStatus(getLE32(in))
	case offset >= regConfigBase:
		t.backend.ConfigWrite(offset-regConfigBase, in)
	}
}

func (t *MmioTransport) withQueue(fn func(*queueState)) {
	if int(t.queueSel) >= len(t.queues) {
		return
	}

	fn(&t.queues[t.queueSel])
}

func (t *MmioTransport) bindQueue(idx uint32) {
	if int(idx) >= len(t.queues) {
		return
	}

	q := &t.queues[idx]
	descAddr := uint64(q.descHi)<<32 | uint64(q.descLo)
	availAddr := uint64(q.availHi)<<32 | uint64(q.availLo)
	usedAddr := uint64(q.usedHi)<<32 | uint64(q.usedLo)

	q.bound = NewQueue(t.mem, q.size, descAddr, availAddr, usedAddr)
}

// handleNotify is invoked on a guest write to queue-notify; per spec this
// is also where the host "io-event" registration would fire if the
// notification arrived as a direct ioeventfd wake rather than through the
// bus dispatch path exercised here.
func (t *MmioTransport) handleNotify(idx uint32) {
	if t.status&StatusDriverOK == 0 || int(idx) >= len(t.queues) {
		return
	}

	q := t.queues[idx].bound
	if q == nil {
		return
	}

	if err := t.backend.Notify(int(idx), q); err != nil {
		return
	}

	t.interruptStat |= 0x1
	kvm.IRQLine(t.vmFd, t.irqLine, 1)
}

// setStatus applies the status state machine: monotonic along
// Reset→Acknowledge→Driver→Features-OK→Driver-OK, Failed reachable from
// anywhere, Reset reachable only from Failed (or any state, by writing 0).
func (t *MmioTransport) setStatus(v uint32) {
	if v == StatusReset {
		t.status = StatusReset
		t.guestFeatures = 0

		for i := range t.queues {
			if t.queues[i].bound != nil {
				t.queues[i].bound.Close() //nolint:errcheck
			}

			t.queues[i] = queueState{}
		}

		return
	}

	if v&StatusFailed != 0 {
		t.status = v

		return
	}

	// Status bits only accumulate until a full Reset (write of 0): a write
	// that would clear a bit already set is ignored, so Features-OK in
	// particular is never cleared by any other write — Testable Property #7.
	if v&t.status != t.status {
		return
	}

	t.status = v
}

// Status returns the current transport status, for snapshot/restore.
func (t *MmioTransport) Status() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// BoundQueue returns the driver-configured Queue for idx, or nil if the
// driver hasn't bound it yet (no queue_ready write), for host-initiated
// queue activity that doesn't originate from a guest queue-notify — the
// event multiplexer's tap-readable callback, for instance.
func (t *MmioTransport) BoundQueue(idx int) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || idx >= len(t.queues) {
		return nil
	}

	return t.queues[idx].bound
}

// RaiseInterrupt sets the used-buffer interrupt reason and injects
// irqLine, mirroring what handleNotify does after a guest-driven Notify,
// for backends that push used buffers outside of that path.
func (t *MmioTransport) RaiseInterrupt() {
	t.mu.Lock()
	t.interruptStat |= 0x1
	t.mu.Unlock()

	kvm.IRQLine(t.vmFd, t.irqLine, 1)
}

func putLE32(out []byte, v uint32) {
	if len(out) < 4 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		copy(out, b[:])

		return
	}

	binary.LittleEndian.PutUint32(out, v)
}

func getLE32(in []byte) uint32 {
	var b [4]byte
	copy(b[:], in)

	return binary.LittleEndian.Uint32(b[:])
}
