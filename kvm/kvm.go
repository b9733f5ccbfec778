package kvm

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM exit reasons, as returned in RunData.ExitReason.
const (
	EXITUNKNOWN       = 0
	EXITEXCEPTION     = 1
	EXITIO            = 2
	EXITHYPERCALL     = 3
	EXITDEBUG         = 4
	EXITHLT           = 5
	EXITMMIO          = 6
	EXITIRQWINDOWOPEN = 7
	EXITSHUTDOWN      = 8
	EXITFAILENTRY     = 9
	EXITINTR          = 10
	EXITSETTPR        = 11
	EXITTPRACCESS     = 12
	EXITS390SIEIC     = 13
	EXITS390RESET     = 14
	EXITDCR           = 15
	EXITNMI           = 16
	EXITINTERNALERROR = 17
	EXITSYSTEMEVENT   = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

// Numeric ioctl request codes, derived with the IIO/IIOW/IIOR/IIOWR family
// rather than hand-transcribed magic numbers.
var (
	kvmGetAPIVersion        = IIO(0x00)
	kvmCreateVM             = IIO(0x01)
	kvmGetVCPUMMapSize      = IIO(0x04)
	kvmCreateVCPU           = IIO(0x41)
	kvmRun                  = IIO(0x80)
	kvmGetSregs             = IIOR(0x83, unsafe.Sizeof(Sregs{}))
	kvmSetSregs             = IIOW(0x84, unsafe.Sizeof(Sregs{}))
	kvmGetRegs              = IIOR(0x81, unsafe.Sizeof(Regs{}))
	kvmSetRegs              = IIOW(0x82, unsafe.Sizeof(Regs{}))
	kvmSetUserMemoryRegion  = IIOW(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kvmSetTSSAddr           = IIO(0x47)
	kvmSetIdentityMapAddr   = IIOW(0x48, 8)
	kvmCreateIRQChip        = IIO(0x60)
	kvmGetIRQChip           = IIOWR(0x62, unsafe.Sizeof(IRQChip{}))
	kvmSetIRQChip           = IIOR(0x63, unsafe.Sizeof(IRQChip{}))
	kvmCreatePIT2           = IIOW(0x77, unsafe.Sizeof(PitConfig{}))
	kvmGetPIT2              = IIOR(0x9f, unsafe.Sizeof(PitState2{}))
	kvmSetPIT2              = IIOW(0xa0, unsafe.Sizeof(PitState2{}))
	kvmGetSupportedCPUID    = IIOWR(0x05, unsafe.Sizeof(CPUID{}))
	kvmSetCPUID2            = IIOW(0x90, unsafe.Sizeof(CPUID{}))
	kvmIRQLine              = IIOW(0x61, unsafe.Sizeof(IRQLevel{}))
	kvmGetClock             = IIOR(0x7c, unsafe.Sizeof(ClockData{}))
	kvmSetClock             = IIOW(0x7b, unsafe.Sizeof(ClockData{}))
	kvmGetMSRIndexList      = IIOWR(0x02, unsafe.Sizeof(MsrList{}))
	kvmGetMSRs              = IIOWR(0x88, unsafe.Sizeof(msrsHeader{}))
	kvmSetMSRs              = IIOW(0x89, unsafe.Sizeof(msrsHeader{}))
	kvmGetLocalAPIC         = IIOR(0x8e, unsafe.Sizeof(LAPICState{}))
	kvmSetLocalAPIC         = IIOW(0x8f, unsafe.Sizeof(LAPICState{}))
	kvmGetVCPUEvents        = IIOR(0xb6, unsafe.Sizeof(VCPUEvents{}))
	kvmSetVCPUEvents        = IIOW(0xb7, unsafe.Sizeof(VCPUEvents{}))
	kvmGetMPState           = IIOR(0x98, unsafe.Sizeof(MPState{}))
	kvmSetMPState           = IIOW(0x99, unsafe.Sizeof(MPState{}))
	kvmGetDebugRegs         = IIOR(0xa1, unsafe.Sizeof(DebugRegs{}))
	kvmSetDebugRegs         = IIOW(0xa2, unsafe.Sizeof(DebugRegs{}))
	kvmGetXCRs              = IIOR(0xa6, unsafe.Sizeof(XCRs{}))
	kvmSetXCRs              = IIOW(0xa7, unsafe.Sizeof(XCRs{}))
	kvmGetDirtyLog          = IIOW(0x42, unsafe.Sizeof(DirtyLog{}))
	kvmTranslate            = IIOWR(0x85, unsafe.Sizeof(Translation{}))
	kvmIOEventFD            = IIOW(0x79, unsafe.Sizeof(IOEventFD{}))
	kvmIRQFD                = IIOW(0x76, unsafe.Sizeof(IRQFD{}))
	kvmResgisterCoalescedMMIO   = IIOW(0x67, unsafe.Sizeof(coalescedMMIOZone{}))
	kvmUnResgisterCoalescedMMIO = IIOW(0x68, unsafe.Sizeof(coalescedMMIOZone{}))
)

// ErrUnhandledExit is returned by callers that classify RunData.ExitReason
// and find a value they do not implement handling for.
var ErrUnhandledExit = errors.New("kvm: unhandled exit reason")

// OpenDevice opens /dev/kvm and checks its reported API version.
func OpenDevice() (*os.File, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	version, err := Ioctl(dev.Fd(), kvmGetAPIVersion, 0)
	if err != nil {
		dev.Close()

		return nil, err
	}

	if version != 12 {
		dev.Close()

		return nil, errors.New("kvm: unsupported API version")
	}

	return dev, nil
}

// CreateVM creates a new VM file descriptor from an open /dev/kvm fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	r, err := Ioctl(kvmFd, kvmCreateVM, 0)

	return r, err
}

// CreateVCPU creates a new vCPU with the given index inside vmFd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	r, err := Ioctl(vmFd, kvmCreateVCPU, uintptr(id))

	return r, err
}

// GetVCPUMMapSize returns the size in bytes of the shared RunData mmap
// region exposed by a vCPU fd.
func GetVCPUMMapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// Run executes the vCPU until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// RunData mirrors struct kvm_run's fixed-size header; it is overlaid on the
// mmap'd region returned for each vCPU fd.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	Padding1                   [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64

	// the union of per-exit-reason data; only the IO/MMIO branches used
	// here are modeled explicitly, the rest is left as padding.
	Data [32]uint64
}

// IO returns the IO-exit fields when ExitReason == EXITIO. data is the live
// count*size-byte window the kernel placed data_offset (Data[1]) bytes past
// the start of the mmap'd run structure: an OUT exit's bytes are read from
// it, and bytes written into it on an IN exit are what the guest receives.
func (r *RunData) IO() (direction uint8, size uint8, port uint16, count uint32, data []byte) {
	direction = uint8(r.Data[0])
	size = uint8(r.Data[0] >> 8)
	port = uint16(r.Data[0] >> 16)
	count = uint32(r.Data[0] >> 32)

	n := int(size) * int(count)
	buf := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(r), uintptr(r.Data[1]))), n)

	return direction, size, port, count, buf[:n]
}

// MMIO returns the MMIO-exit fields when ExitReason == EXITMMIO.
func (r *RunData) MMIO() (addr uint64, data [8]byte, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = uint8(r.Data[2]>>32) != 0

	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (8 * uint(i)))
	}

	return
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [256 / 64]uint64
}

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// GetSregs reads the current special registers of a vCPU.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var s Sregs

	_, err := ioctlPtr(vcpuFd, kvmGetSregs, unsafe.Pointer(&s))

	return s, err
}

// SetSregs writes the special registers of a vCPU.
func SetSregs(vcpuFd uintptr, s *Sregs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetSregs, unsafe.Pointer(s))

	return err
}

// GetRegs reads the current general-purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var r Regs

	_, err := ioctlPtr(vcpuFd, kvmGetRegs, unsafe.Pointer(&r))

	return r, err
}

// SetRegs writes the general-purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, r *Regs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetRegs, unsafe.Pointer(r))

	return err
}

// SetTSSAddr sets the Task Segment Selector address for a vm.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of the 4k identity-map page for a vm.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctlPtr(vmFd, kvmSetIdentityMapAddr, unsafe.Pointer(&addr))

	return err
}

// CreateIRQChip creates an in-kernel interrupt controller (PIC+IOAPIC).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers an IRQ line on the in-kernel PIC/IOAPIC.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}

	_, err := ioctlPtr(vmFd, kvmIRQLine, unsafe.Pointer(&l))

	return err
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 PIT.
func CreatePIT2(vmFd uintptr) error {
	cfg := PitConfig{}

	_, err := ioctlPtr(vmFd, kvmCreatePIT2, unsafe.Pointer(&cfg))

	return err
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2, sized for up to 256 CPUID leaf entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [256]CPUIDEntry2
}

// GetSupportedCPUID asks the host kernel for the CPUID leaves it can expose
// to a guest.
func GetSupportedCPUID(kvmFd uintptr) (CPUID, error) {
	var c CPUID

	c.Nent = uint32(len(c.Entries))

	_, err := ioctlPtr(kvmFd, kvmGetSupportedCPUID, unsafe.Pointer(&c))

	return c, err
}

// SetCPUID2 installs a normalized CPUID leaf table into a vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := ioctlPtr(vcpuFd, kvmSetCPUID2, unsafe.Pointer(c))

	return err
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region for dirty-page-bitmap tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a guest memory region on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := ioctlPtr(vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(region))

	return err
}

type coalescedMMIOZone struct {
	Addr   uint64
	Size   uint32
	PadPio uint32
}

// RegisterCoalescedMMIO registers an address range for coalesced MMIO.
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	z := coalescedMMIOZone{Addr: addr, Size: size}

	_, err := ioctlPtr(vmFd, kvmResgisterCoalescedMMIO, unsafe.Pointer(&z))

	return err
}

// UnregisterCoalescedMMIO removes an address range from coalesced MMIO.
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	z := coalescedMMIOZone{Addr: addr, Size: size}

	_, err := ioctlPtr(vmFd, kvmUnResgisterCoalescedMMIO, unsafe.Pointer(&z))

	return err
}

// IOEventFD mirrors struct kvm_ioeventfd, used to bind a guest MMIO/PIO
// write to an eventfd wake-up (virtio queue-notify).
type IOEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

const (
	ioEventFDFlagDatamatch = 1 << 0
	ioEventFDFlagDeassign  = 1 << 2
)

// RegisterIOEventFD binds fd to be signaled whenever the guest writes
// datamatch to the len-byte window at addr.
func RegisterIOEventFD(vmFd uintptr, addr uint64, length uint32, fd int32, datamatch uint64) error {
	e := IOEventFD{Addr: addr, Len: length, FD: fd, Datamatch: datamatch, Flags: ioEventFDFlagDatamatch}

	_, err := ioctlPtr(vmFd, kvmIOEventFD, unsafe.Pointer(&e))

	return err
}

// UnregisterIOEventFD reverses RegisterIOEventFD.
func UnregisterIOEventFD(vmFd uintptr, addr uint64, length uint32, fd int32, datamatch uint64) error {
	e := IOEventFD{
		Addr: addr, Len: length, FD: fd, Datamatch: datamatch,
		Flags: ioEventFDFlagDatamatch | ioEventFDFlagDeassign,
	}

	_, err := ioctlPtr(vmFd, kvmIOEventFD, unsafe.Pointer(&e))

	return err
}

// IRQFD mirrors struct kvm_irqfd, used to bind an eventfd signal to
// injection of a specific IRQ line.
type IRQFD struct {
	FD    int32
	GSI   uint32
	Flags uint32
	_     [20]uint8
}

// RegisterIRQFD binds fd so that signaling it injects irq into the guest.
func RegisterIRQFD(vmFd uintptr, fd int32, irq uint32) error {
	e := IRQFD{FD: fd, GSI: irq}

	_, err := ioctlPtr(vmFd, kvmIRQFD, unsafe.Pointer(&e))

	return err
}

// NewEventfd creates a new host eventfd with the given initial value.
func NewEventfd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}
