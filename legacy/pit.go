package legacy

// PIT represents the in-kernel i8254 programmable interval timer
// (KVM_CREATE_PIT2) as a Device. KVM intercepts guest port I/O to
// 0x40-0x43 and 0x61 before it ever reaches userspace, so Read/Write here
// are unreachable in practice. Nothing in this repository constructs a PIT
// or registers one on a bus or with the device manager; the PIT's state is
// saved and restored through kvm.GetPIT2/SetPIT2, not through this Device.
type PIT struct{}

// NewPIT returns a PIT placeholder device.
func NewPIT() *PIT { return &PIT{} }

// Read implements device.Device; unreachable, see type doc.
func (p *PIT) Read(offset uint64, data []byte) {}

// Write implements device.Device; unreachable, see type doc.
func (p *PIT) Write(offset uint64, data []byte) {}
