package kvm

import (
	"errors"
	"unsafe"
)

// MsrEntry mirrors struct kvm_msr_entry.
type MsrEntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrsHeader is the fixed part of struct kvm_msrs (a FAM struct); Go callers
// build the variable-length wire form themselves in GetMSRs/SetMSRs because
// unsafe.Sizeof can't express a flexible array member.
type msrsHeader struct {
	NMSRs uint32
	_     uint32
}

// MsrList mirrors the fixed part of struct kvm_msr_list.
type MsrList struct {
	NMSRs   uint32
	Indices [1024]uint32
}

// errE2Big names the E2BIG failure KVM_GET_MSR_INDEX_LIST reports when the
// list does not fit; GetMSRIndexList returns the raw ioctl error instead.
var errE2Big = errors.New("kvm: E2BIG")

// GetMSRIndexList returns the MSR indices the host kernel supports saving
// and restoring via GetMSRs/SetMSRs. It makes a single call with room for
// 1024 indices; if the host reports more, that call fails with E2BIG.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	var l MsrList

	l.NMSRs = uint32(len(l.Indices))

	_, err := ioctlPtr(kvmFd, kvmGetMSRIndexList, unsafe.Pointer(&l))
	if err != nil {
		return nil, err
	}

	return l.Indices[:l.NMSRs], nil
}

// GetMSRs reads the values of the given MSR indices from a vCPU.
func GetMSRs(vcpuFd uintptr, indices []uint32) ([]MsrEntry, error) {
	entries := make([]MsrEntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}

	buf := marshalMSRs(entries)

	_, err := ioctlPtr(vcpuFd, kvmGetMSRs, unsafe.Pointer(&buf[0]))
	if err != nil {
		return nil, err
	}

	return unmarshalMSRs(buf, len(entries)), nil
}

// SetMSRs writes MSR values into a vCPU.
func SetMSRs(vcpuFd uintptr, entries []MsrEntry) error {
	buf := marshalMSRs(entries)

	_, err := ioctlPtr(vcpuFd, kvmSetMSRs, unsafe.Pointer(&buf[0]))

	return err
}

func marshalMSRs(entries []MsrEntry) []byte {
	hdrSize := int(unsafe.Sizeof(msrsHeader{}))
	entrySize := int(unsafe.Sizeof(MsrEntry{}))
	buf := make([]byte, hdrSize+entrySize*len(entries))

	hdr := (*msrsHeader)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(len(entries))

	for i, e := range entries {
		dst := (*MsrEntry)(unsafe.Pointer(&buf[hdrSize+i*entrySize]))
		*dst = e
	}

	return buf
}

func unmarshalMSRs(buf []byte, n int) []MsrEntry {
	hdrSize := int(unsafe.Sizeof(msrsHeader{}))
	entrySize := int(unsafe.Sizeof(MsrEntry{}))
	out := make([]MsrEntry, n)

	for i := 0; i < n; i++ {
		src := (*MsrEntry)(unsafe.Pointer(&buf[hdrSize+i*entrySize]))
		out[i] = *src
	}

	return out
}

// LAPICState mirrors struct kvm_lapic_state: the 1KiB LAPIC register block
// (KVM_APIC_REG_SIZE).
type LAPICState struct {
	Regs [1024]byte
}

// GetLocalAPIC reads the LAPIC register page of a vCPU.
func GetLocalAPIC(vcpuFd uintptr) (LAPICState, error) {
	var s LAPICState

	_, err := ioctlPtr(vcpuFd, kvmGetLocalAPIC, unsafe.Pointer(&s))

	return s, err
}

// SetLocalAPIC writes the LAPIC register page of a vCPU.
func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := ioctlPtr(vcpuFd, kvmSetLocalAPIC, unsafe.Pointer(s))

	return err
}

// VCPUEvents mirrors struct kvm_vcpu_events (pending exceptions, interrupts,
// NMI, SIPI vector and their injected/pending flags).
type VCPUEvents struct {
	Exception struct {
		Injected, Nr, HasErrorCode, Pending uint8
		ErrorCode                           uint32
	}
	Interrupt struct {
		Injected, Nr, SoftInjected uint8
		_                          uint8
	}
	NMI struct {
		Injected, Pending, MaskedInjected uint8
		_                                 uint8
	}
	SIPIVector uint32
	Flags      uint32
	_          [40]uint8
}

// GetVCPUEvents reads pending-event state from a vCPU.
func GetVCPUEvents(vcpuFd uintptr) (VCPUEvents, error) {
	var e VCPUEvents

	_, err := ioctlPtr(vcpuFd, kvmGetVCPUEvents, unsafe.Pointer(&e))

	return e, err
}

// SetVCPUEvents restores pending-event state into a vCPU.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := ioctlPtr(vcpuFd, kvmSetVCPUEvents, unsafe.Pointer(e))

	return err
}

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	MPState uint32
}

// GetMPState reads the multiprocessing state (runnable/halted/init) of a vCPU.
func GetMPState(vcpuFd uintptr) (MPState, error) {
	var s MPState

	_, err := ioctlPtr(vcpuFd, kvmGetMPState, unsafe.Pointer(&s))

	return s, err
}

// SetMPState writes the multiprocessing state of a vCPU.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := ioctlPtr(vcpuFd, kvmSetMPState, unsafe.Pointer(s))

	return err
}

// DebugRegs mirrors struct kvm_debugregs (DR0-7 plus flags).
type DebugRegs struct {
	DB               [4]uint64
	DR6, DR7         uint64
	Flags            uint64
	_                [9]uint64
}

// GetDebugRegs reads the debug-register file of a vCPU.
func GetDebugRegs(vcpuFd uintptr) (DebugRegs, error) {
	var d DebugRegs

	_, err := ioctlPtr(vcpuFd, kvmGetDebugRegs, unsafe.Pointer(&d))

	return d, err
}

// SetDebugRegs writes the debug-register file of a vCPU.
func SetDebugRegs(vcpuFd uintptr, d *DebugRegs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetDebugRegs, unsafe.Pointer(d))

	return err
}

// XCRs mirrors struct kvm_xcrs (extended control registers, XCR0/XFEATURE).
type XCRs struct {
	NRXCRs uint32
	Flags  uint32
	XCRs   [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [128]uint8
}

// GetXCRs reads the extended control registers of a vCPU.
func GetXCRs(vcpuFd uintptr) (XCRs, error) {
	var x XCRs

	_, err := ioctlPtr(vcpuFd, kvmGetXCRs, unsafe.Pointer(&x))

	return x, err
}

// SetXCRs writes the extended control registers of a vCPU.
func SetXCRs(vcpuFd uintptr, x *XCRs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetXCRs, unsafe.Pointer(x))

	return err
}

// ClockData mirrors struct kvm_clock_data (paravirt kvmclock state).
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	_        [4]uint64
}

// GetClock reads the VM's kvmclock state.
func GetClock(vmFd uintptr) (ClockData, error) {
	var c ClockData

	_, err := ioctlPtr(vmFd, kvmGetClock, unsafe.Pointer(&c))

	return c, err
}

// SetClock writes the VM's kvmclock state.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := ioctlPtr(vmFd, kvmSetClock, unsafe.Pointer(c))

	return err
}

// IRQChip mirrors struct kvm_irqchip: a tagged union over PIC master/slave
// and IOAPIC state, selected by ChipID.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

const (
	IRQChipPIC0   = 0
	IRQChipPIC1   = 1
	IRQChipIOAPIC = 2
)

// GetIRQChip reads the state of one of the in-kernel PIC/IOAPIC chips.
func GetIRQChip(vmFd uintptr, chipID uint32) (IRQChip, error) {
	c := IRQChip{ChipID: chipID}

	_, err := ioctlPtr(vmFd, kvmGetIRQChip, unsafe.Pointer(&c))

	return c, err
}

// SetIRQChip writes the state of one of the in-kernel PIC/IOAPIC chips.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := ioctlPtr(vmFd, kvmSetIRQChip, unsafe.Pointer(c))

	return err
}

// PitState2 mirrors struct kvm_pit_state2 (i8254 channel state).
type PitState2 struct {
	Channels [3]struct {
		Count                           uint32
		LatchedCount                    uint16
		CountLatched, StatusLatched     uint8
		Status                          uint8
		ReadState, WriteState           uint8
		WriteLatch                      uint8
		RWMode, Mode, BCD, Gate         uint8
		CountLoadTime                   int64
	}
	Flags uint32
	_     [9]uint32
}

// GetPIT2 reads the in-kernel PIT's channel state.
func GetPIT2(vmFd uintptr) (PitState2, error) {
	var s PitState2

	_, err := ioctlPtr(vmFd, kvmGetPIT2, unsafe.Pointer(&s))

	return s, err
}

// SetPIT2 writes the in-kernel PIT's channel state.
func SetPIT2(vmFd uintptr, s *PitState2) error {
	_, err := ioctlPtr(vmFd, kvmSetPIT2, unsafe.Pointer(s))

	return err
}

// DirtyLog mirrors struct kvm_dirty_log, requesting the dirty-page bitmap
// for one memory slot.
type DirtyLog struct {
	Slot     uint32
	_        uint32
	BitmapPtr uint64
}

// GetDirtyLog fetches and clears the dirty-page bitmap for slot, writing
// set bits into bitmap (one bit per guest page, must be pre-sized by the
// caller to cover the slot's page count).
func GetDirtyLog(vmFd uintptr, slot uint32, bitmap []uint64) error {
	d := DirtyLog{Slot: slot, BitmapPtr: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}

	_, err := ioctlPtr(vmFd, kvmGetDirtyLog, unsafe.Pointer(&d))

	return err
}

// Translation mirrors struct kvm_translation (KVM_TRANSLATE): guest virtual
// to guest physical address translation through the vCPU's current paging
// mode.
type Translation struct {
	LinearAddress uint64
	PhysicalAddress uint64
	Valid, Writeable, Usermode uint8
	_ [5]uint8
}

// Translate walks the vCPU's current page tables for a guest virtual
// address.
func Translate(vcpuFd uintptr, linear uint64) (Translation, error) {
	t := Translation{LinearAddress: linear}

	_, err := ioctlPtr(vcpuFd, kvmTranslate, unsafe.Pointer(&t))

	return t, err
}
