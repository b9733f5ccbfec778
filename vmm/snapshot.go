package vmm

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"unsafe"

	"github.com/gokvm/microvm/boot"
	"github.com/gokvm/microvm/guestmemory"
	"github.com/gokvm/microvm/kvm"
)

// pageSize is the guest-page granularity KVM's dirty-page bitmap is
// expressed in.
const pageSize = 4096

// structBytes returns a byte slice aliasing v's memory, for copying a fixed-
// size KVM struct into a serializable form without an encoding scheme of its
// own.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("vmm: state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// VCPUState holds the complete architectural state of one vCPU. Binary KVM
// structs are kept as raw byte slices so their in-memory layout, padding
// included, survives the round trip without an encoding scheme of its own.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	MSRs      []kvm.MsrEntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRs      []byte
}

// VMState holds VM-level, non-per-vCPU hardware state.
type VMState struct {
	Clock         []byte
	IRQChipPIC0   []byte
	IRQChipPIC1   []byte
	IRQChipIOAPIC []byte
	PIT2          []byte
}

// Snapshot is the complete state handed to the control plane's
// /snapshot/create and /snapshot/load actions, per spec §4.1/§6. Guest
// memory is not embedded here; it streams separately, immediately after
// this header, so a Full snapshot's memory section can be written straight
// from the mmap'd region without an intermediate copy.
type Snapshot struct {
	MemSizeBytes uint64
	VCPUCount    int
	VCPUs        []VCPUState
	VM           VMState

	// MemoryIsDiff records whether the memory image accompanying this
	// header is a Full dump or a WriteMemoryDiff dirty-page image, so
	// ReadDiffSnapshot's caller knows which reader to use without a
	// side channel.
	MemoryIsDiff bool
}

// CreateSnapshot captures every vCPU's architectural state and the VM-level
// hardware state. The caller must have paused the VM (vmm.Controller.Pause)
// first; nothing here synchronizes with a running vCPU.
func CreateSnapshot(v *VM) (*Snapshot, error) {
	indices, err := kvm.GetMSRIndexList(v.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vmm: get msr index list: %w", err)
	}

	indices = boot.FilterSerializableMSRs(indices)

	snap := &Snapshot{
		MemSizeBytes: v.Mem.Regions()[0].Size(),
		VCPUCount:    len(v.VCPUs),
		VCPUs:        make([]VCPUState, len(v.VCPUs)),
	}

	for i, vcpu := range v.VCPUs {
		state, err := saveVCPUState(vcpu, indices)
		if err != nil {
			return nil, fmt.Errorf("vmm: save vcpu %d state: %w", i, err)
		}

		snap.VCPUs[i] = state
	}

	vmState, err := saveVMState(v)
	if err != nil {
		return nil, err
	}

	snap.VM = vmState

	return snap, nil
}

func saveVCPUState(vcpu *VCPU, msrIndices []uint32) (VCPUState, error) {
	var state VCPUState

	regs, err := kvm.GetRegs(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get regs: %w", err)
	}

	state.Regs = cloneBytes(structBytes(&regs))

	sregs, err := kvm.GetSregs(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get sregs: %w", err)
	}

	state.Sregs = cloneBytes(structBytes(&sregs))

	msrs, err := kvm.GetMSRs(vcpu.fd, msrIndices)
	if err != nil {
		return state, fmt.Errorf("get msrs: %w", err)
	}

	state.MSRs = msrs

	lapic, err := kvm.GetLocalAPIC(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get lapic: %w", err)
	}

	state.LAPIC = cloneBytes(structBytes(&lapic))

	events, err := kvm.GetVCPUEvents(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get vcpu events: %w", err)
	}

	state.Events = cloneBytes(structBytes(&events))

	mps, err := kvm.GetMPState(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get mpstate: %w", err)
	}

	state.MPState = mps.MPState

	dregs, err := kvm.GetDebugRegs(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get debugregs: %w", err)
	}

	state.DebugRegs = cloneBytes(structBytes(&dregs))

	xcrs, err := kvm.GetXCRs(vcpu.fd)
	if err != nil {
		return state, fmt.Errorf("get xcrs: %w", err)
	}

	state.XCRs = cloneBytes(structBytes(&xcrs))

	return state, nil
}

func saveVMState(v *VM) (VMState, error) {
	var state VMState

	clock, err := kvm.GetClock(v.vmFd)
	if err != nil {
		return state, fmt.Errorf("vmm: get clock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(&clock))

	chips := []*[]byte{&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC}

	for chipID, dest := range chips {
		chip, err := kvm.GetIRQChip(v.vmFd, uint32(chipID))
		if err != nil {
			return state, fmt.Errorf("vmm: get irqchip %d: %w", chipID, err)
		}

		*dest = cloneBytes(structBytes(&chip))
	}

	pit, err := kvm.GetPIT2(v.vmFd)
	if err != nil {
		return state, fmt.Errorf("vmm: get pit2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(&pit))

	return state, nil
}

// RestoreSnapshot applies a previously captured Snapshot to v. v's vCPUs and
// memory regions must already exist with matching counts/sizes; the caller
// loads guest memory into v.Mem separately before or after this call.
func RestoreSnapshot(v *VM, snap *Snapshot) error {
	if len(snap.VCPUs) != len(v.VCPUs) {
		return fmt.Errorf("vmm: snapshot has %d vcpus, vm has %d", len(snap.VCPUs), len(v.VCPUs))
	}

	if err := restoreVMState(v, &snap.VM); err != nil {
		return err
	}

	for i, vcpu := range v.VCPUs {
		if err := restoreVCPUState(vcpu, &snap.VCPUs[i]); err != nil {
			return fmt.Errorf("vmm: restore vcpu %d state: %w", i, err)
		}
	}

	return nil
}

func restoreVCPUState(vcpu *VCPU, state *VCPUState) error {
	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode regs: %w", err)
	}

	if err := kvm.SetRegs(vcpu.fd, &regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode sregs: %w", err)
	}

	if err := kvm.SetSregs(vcpu.fd, &sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if err := kvm.SetMSRs(vcpu.fd, state.MSRs); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	var lapic kvm.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("decode lapic: %w", err)
	}

	if err := kvm.SetLocalAPIC(vcpu.fd, &lapic); err != nil {
		return fmt.Errorf("set lapic: %w", err)
	}

	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("decode vcpu events: %w", err)
	}

	if err := kvm.SetVCPUEvents(vcpu.fd, &events); err != nil {
		return fmt.Errorf("set vcpu events: %w", err)
	}

	mps := kvm.MPState{MPState: state.MPState}
	if err := kvm.SetMPState(vcpu.fd, &mps); err != nil {
		return fmt.Errorf("set mpstate: %w", err)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("decode debugregs: %w", err)
	}

	if err := kvm.SetDebugRegs(vcpu.fd, &dregs); err != nil {
		return fmt.Errorf("set debugregs: %w", err)
	}

	var xcrs kvm.XCRs
	if err := copyStruct(&xcrs, state.XCRs); err != nil {
		return fmt.Errorf("decode xcrs: %w", err)
	}

	if err := kvm.SetXCRs(vcpu.fd, &xcrs); err != nil {
		return fmt.Errorf("set xcrs: %w", err)
	}

	return nil
}

func restoreVMState(v *VM, state *VMState) error {
	var clock kvm.ClockData
	if err := copyStruct(&clock, state.Clock); err != nil {
		return fmt.Errorf("vmm: decode clock: %w", err)
	}

	if err := kvm.SetClock(v.vmFd, &clock); err != nil {
		return fmt.Errorf("vmm: set clock: %w", err)
	}

	chips := [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC}

	for chipID, src := range chips {
		var chip kvm.IRQChip

		if err := copyStruct(&chip, src); err != nil {
			return fmt.Errorf("vmm: decode irqchip %d: %w", chipID, err)
		}

		chip.ChipID = uint32(chipID)

		if err := kvm.SetIRQChip(v.vmFd, &chip); err != nil {
			return fmt.Errorf("vmm: set irqchip %d: %w", chipID, err)
		}
	}

	var pit kvm.PitState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return fmt.Errorf("vmm: decode pit2: %w", err)
	}

	if err := kvm.SetPIT2(v.vmFd, &pit); err != nil {
		return fmt.Errorf("vmm: set pit2: %w", err)
	}

	return nil
}

// WriteSnapshotHeader gob-encodes snap, length-prefixed so a reader can
// bound its decode buffer instead of letting gob's internal bufio.Reader
// read ahead into whatever memory image follows. Shared by the Full and
// Diff snapshot writers, which differ only in what they write after the
// header.
func WriteSnapshotHeader(w io.Writer, snap *Snapshot) error {
	var hdr bytes.Buffer

	if err := gob.NewEncoder(&hdr).Encode(snap); err != nil {
		return fmt.Errorf("vmm: encode snapshot: %w", err)
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(hdr.Len()))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("vmm: write snapshot header length: %w", err)
	}

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("vmm: write snapshot header: %w", err)
	}

	return nil
}

// ReadSnapshotHeader decodes a header written by WriteSnapshotHeader,
// reading its exact byte length via io.ReadFull first so r is left
// positioned at the start of whatever memory image follows regardless of
// gob's internal buffering.
func ReadSnapshotHeader(r io.Reader) (*Snapshot, error) {
	var lenBuf [8]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("vmm: read snapshot header length: %w", err)
	}

	hdrLen := binary.BigEndian.Uint64(lenBuf[:])

	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("vmm: read snapshot header: %w", err)
	}

	var snap Snapshot
	if err := gob.NewDecoder(bytes.NewReader(hdr)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("vmm: decode snapshot: %w", err)
	}

	return &snap, nil
}

// WriteSnapshot writes snap's header followed by the VM's full guest
// memory. This is the on-disk layout a Full snapshot uses (spec §4.1's
// SnapshotType Full case); WriteDiffSnapshot is the Diff case's
// counterpart.
func WriteSnapshot(w io.Writer, snap *Snapshot, mem io.WriterTo) error {
	if err := WriteSnapshotHeader(w, snap); err != nil {
		return err
	}

	if _, err := mem.WriteTo(w); err != nil {
		return fmt.Errorf("vmm: write memory: %w", err)
	}

	return nil
}

// ReadSnapshot decodes a header written by WriteSnapshot and reads the
// following full guest-memory image into mem.
func ReadSnapshot(r io.Reader, mem io.ReaderFrom) (*Snapshot, error) {
	snap, err := ReadSnapshotHeader(r)
	if err != nil {
		return nil, err
	}

	if _, err := mem.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("vmm: read memory: %w", err)
	}

	return snap, nil
}

// WriteDiffSnapshot writes snap's header followed by only the guest-memory
// pages KVM's dirty-page bitmap reports changed (spec §4.1's SnapshotType
// Diff case); see WriteMemoryDiff.
func WriteDiffSnapshot(w io.Writer, snap *Snapshot, vmFd uintptr, mem *guestmemory.Memory) error {
	snap.MemoryIsDiff = true

	if err := WriteSnapshotHeader(w, snap); err != nil {
		return err
	}

	return WriteMemoryDiff(w, vmFd, mem)
}

// ReadDiffSnapshot decodes a header written by WriteDiffSnapshot and
// applies the following dirty-page image onto mem, which must already hold
// the baseline the diff was captured against; see ReadMemoryDiff.
func ReadDiffSnapshot(r io.Reader, mem *guestmemory.Memory) (*Snapshot, error) {
	snap, err := ReadSnapshotHeader(r)
	if err != nil {
		return nil, err
	}

	if err := ReadMemoryDiff(r, mem); err != nil {
		return nil, err
	}

	return snap, nil
}

// dirtyBitmapWords is the bitmap size GetDirtyLog needs for a region of
// size bytes, one bit per page.
func dirtyBitmapWords(size uint64) int {
	pages := (size + pageSize - 1) / pageSize

	return int((pages + 63) / 64)
}

// WriteMemoryDiff writes the guest memory's dirty-page bitmap followed by
// only the pages it marks, in ascending page-index order — the SnapshotType
// "Diff" case spec §4.1 describes, grounded on
// other_examples/86a3f1e9_bobuhiro11-gokvm__machine-state.go.go's
// GetAndClearDirtyBitmap/TransferDirtyPages pair. KVM clears the bitmap as
// a side effect of reading it, so this also resets tracking for whatever
// Diff snapshot comes next. The VM must have been created with
// track_dirty_pages set, or the bitmap reads back all zero.
//
// Single memory slot only: vmm.New never installs more than one region.
func WriteMemoryDiff(w io.Writer, vmFd uintptr, mem *guestmemory.Memory) error {
	region := mem.Regions()[0]

	bitmap := make([]uint64, dirtyBitmapWords(region.Size()))
	if err := kvm.GetDirtyLog(vmFd, 0, bitmap); err != nil {
		return fmt.Errorf("vmm: get dirty log: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint64(len(bitmap))); err != nil {
		return fmt.Errorf("vmm: write dirty bitmap length: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, bitmap); err != nil {
		return fmt.Errorf("vmm: write dirty bitmap: %w", err)
	}

	page := make([]byte, pageSize)

	for wordIdx, word := range bitmap {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			offset := int64(wordIdx*64+bit) * pageSize
			if uint64(offset) >= region.Size() {
				continue
			}

			if _, err := mem.ReadAt(page, offset); err != nil {
				return fmt.Errorf("vmm: read dirty page at %d: %w", offset, err)
			}

			if _, err := w.Write(page); err != nil {
				return fmt.Errorf("vmm: write dirty page at %d: %w", offset, err)
			}
		}
	}

	return nil
}

// ReadMemoryDiff applies a dirty-page image written by WriteMemoryDiff onto
// mem, which must already hold the baseline image the diff was captured
// against (the preceding Full snapshot's memory image, loaded first).
func ReadMemoryDiff(r io.Reader, mem *guestmemory.Memory) error {
	var words uint64
	if err := binary.Read(r, binary.BigEndian, &words); err != nil {
		return fmt.Errorf("vmm: read dirty bitmap length: %w", err)
	}

	bitmap := make([]uint64, words)
	if err := binary.Read(r, binary.BigEndian, bitmap); err != nil {
		return fmt.Errorf("vmm: read dirty bitmap: %w", err)
	}

	page := make([]byte, pageSize)

	for wordIdx, word := range bitmap {
		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			offset := int64(wordIdx*64+bit) * pageSize

			if _, err := io.ReadFull(r, page); err != nil {
				return fmt.Errorf("vmm: read dirty page at %d: %w", offset, err)
			}

			if _, err := mem.WriteAt(page, offset); err != nil {
				return fmt.Errorf("vmm: write dirty page at %d: %w", offset, err)
			}
		}
	}

	return nil
}
