// Package boot synthesizes the guest-firmware tables (Intel MP table),
// loads the kernel/initrd images, and sets each vCPU's architectural state
// so an unmodified Linux x86_64 image boots under KVM.
package boot

import (
	"encoding/binary"
	"errors"

	"github.com/gokvm/microvm/guestmemory"
)

// MPTableStart is the fixed guest-physical address Linux scans for the MP
// floating pointer, per spec §6's guest-firmware layout.
const MPTableStart = 0x9fc00

// MaxSupportedCPUs matches the Intel MP spec's 255-APIC-ID ceiling minus
// the one ID the I/O APIC consumes.
const MaxSupportedCPUs = 254

const (
	ioAPICPhysBase  = 0xfec00000
	localAPICPhysBase = 0xfee00000
	apicVersion     = 0x14
	cpuStepping     = 0x600
	cpuFeatureAPIC  = 0x200
	cpuFeatureFPU   = 0x001

	mpCPUEnabled        = 1
	mpCPUBootProcessor  = 2
	mpBusType           = 1
	mpIOAPIC            = 2
	mpIntSrc            = 3
	mpLintSrc           = 4
	mpProcessor         = 0

	mpIRQTypeINT   = 0
	mpIRQTypeExtINT = 3
	mpIRQTypeNMI   = 1
	mpIRQDirDefault = 0

	sizeMpfIntel    = 16
	sizeMpcTable    = 44
	sizeMpcCPU      = 20
	sizeMpcBus      = 8
	sizeMpcIOAPIC   = 8
	sizeMpcIntsrc   = 8
	sizeMpcLintsrc  = 8
)

// ErrTooManyCPUs is returned when num_cpus exceeds MaxSupportedCPUs.
var ErrTooManyCPUs = errors.New("boot: number of CPUs exceeds the maximum supported")

// ErrNotEnoughMemory is returned when the destination region is smaller
// than ComputeMPSize(numCPUs).
var ErrNotEnoughMemory = errors.New("boot: not enough memory for the MP table")

// ComputeMPSize returns the exact byte size of a table for numCPUs vCPUs.
func ComputeMPSize(numCPUs uint8) uint64 {
	return sizeMpfIntel + sizeMpcTable +
		sizeMpcCPU*uint64(numCPUs) +
		sizeMpcIOAPIC + sizeMpcBus +
		sizeMpcIntsrc*16 + sizeMpcLintsrc*2
}

func checksum8(b []byte) byte {
	var c byte
	for _, v := range b {
		c += v
	}

	return c
}

// SetupMPTable writes the MP table for numCPUs vCPUs into mem, starting at
// MPTableStart, per spec §4.4's ordered entry list.
func SetupMPTable(mem *guestmemory.Memory, numCPUs uint8) error {
	if uint32(numCPUs) > MaxSupportedCPUs {
		return ErrTooManyCPUs
	}

	size := ComputeMPSize(numCPUs)

	if _, err := mem.Bytes(MPTableStart, size); err != nil {
		return ErrNotEnoughMemory
	}

	zero := make([]byte, size)
	if _, err := mem.WriteAt(zero, int64(MPTableStart)); err != nil {
		return ErrNotEnoughMemory
	}

	tableBase := uint64(MPTableStart) + sizeMpfIntel
	ioapicID := numCPUs + 1

	var running []byte // accumulates every post-header entry's bytes, in order

	for id := uint8(0); id < numCPUs; id++ {
		e := make([]byte, sizeMpcCPU)
		e[0] = mpProcessor
		e[1] = id
		e[2] = apicVersion

		flag := byte(mpCPUEnabled)
		if id == 0 {
			flag |= mpCPUBootProcessor
		}

		e[3] = flag
		binary.LittleEndian.PutUint32(e[4:8], cpuStepping)
		binary.LittleEndian.PutUint32(e[8:12], cpuFeatureAPIC|cpuFeatureFPU)
		running = append(running, e...)
	}

	{
		e := make([]byte, sizeMpcBus)
		e[0] = mpBusType
		e[1] = 0
		copy(e[2:8], "ISA   ")
		running = append(running, e...)
	}

	{
		e := make([]byte, sizeMpcIOAPIC)
		e[0] = mpIOAPIC
		e[1] = ioapicID
		e[2] = apicVersion
		e[3] = 1 // usable
		binary.LittleEndian.PutUint32(e[4:8], ioAPICPhysBase)
		running = append(running, e...)
	}

	for i := uint8(0); i < 16; i++ {
		e := make([]byte, sizeMpcIntsrc)
		e[0] = mpIntSrc
		e[1] = mpIRQTypeINT
		binary.LittleEndian.PutUint16(e[2:4], mpIRQDirDefault)
		e[4] = 0
		e[5] = i
		e[6] = ioapicID
		e[7] = i
		running = append(running, e...)
	}

	{
		e := make([]byte, sizeMpcLintsrc)
		e[0] = mpLintSrc
		e[1] = mpIRQTypeExtINT
		binary.LittleEndian.PutUint16(e[2:4], mpIRQDirDefault)
		e[4] = 0
		e[5] = 0
		e[6] = 0
		e[7] = 0 // LINT0
		running = append(running, e...)
	}

	{
		e := make([]byte, sizeMpcLintsrc)
		e[0] = mpLintSrc
		e[1] = mpIRQTypeNMI
		binary.LittleEndian.PutUint16(e[2:4], mpIRQDirDefault)
		e[4] = 0
		e[5] = 0
		e[6] = 0xff // to all local APICs
		e[7] = 1    // LINT1
		running = append(running, e...)
	}

	if _, err := mem.WriteAt(running, int64(tableBase+uint64(sizeMpcTable))); err != nil {
		return err
	}

	header := make([]byte, sizeMpcTable)
	copy(header[0:4], "PCMP")
	binary.LittleEndian.PutUint16(header[4:6], uint16(sizeMpcTable+len(running)))
	header[6] = 4 // spec revision
	copy(header[8:16], "FC      ")
	copy(header[16:28], "000000000000")
	binary.LittleEndian.PutUint32(header[36:40], localAPICPhysBase)

	headerChecksum := checksum8(header) + checksum8(running)
	header[7] = byte(-headerChecksum)

	if _, err := mem.WriteAt(header, int64(tableBase)); err != nil {
		return err
	}

	fp := make([]byte, sizeMpfIntel)
	copy(fp[0:4], "_MP_")
	binary.LittleEndian.PutUint32(fp[4:8], uint32(tableBase))
	fp[8] = 1
	fp[9] = 4

	fp[10] = byte(-checksum8(fp))

	return writeMem(mem, MPTableStart, fp)
}

func writeMem(mem *guestmemory.Memory, addr uint64, b []byte) error {
	_, err := mem.WriteAt(b, int64(addr))

	return err
}
