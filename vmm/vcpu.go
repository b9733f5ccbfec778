package vmm

import (
	"fmt"
	"unsafe"

	"github.com/gokvm/microvm/boot"
	"github.com/gokvm/microvm/kvm"
	"golang.org/x/sys/unix"
)

// Long-mode page-table and control-register bits, per Intel SDM vol. 3
// and original_source's equivalent x86_64 long-mode bring-up.
const (
	cr0ProtectedMode  = 1 << 0
	cr0MonitorCoproc  = 1 << 1
	cr0ExtensionType  = 1 << 4
	cr0NumericError   = 1 << 5
	cr0WriteProtect   = 1 << 16
	cr0AlignmentMask  = 1 << 18
	cr0Paging         = 1 << 31

	cr4PhysAddrExt = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10

	pageTableBase = 0x9000
)

// VCPU wraps one KVM vCPU file descriptor and its mmap'd kvm_run page.
type VCPU struct {
	vm    *VM
	index int

	fd  uintptr
	run *kvm.RunData

	runMem []byte
}

func newVCPU(vm *VM, index, numVCPUs int, mmapSize uintptr) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vm.vmFd, index)
	if err != nil {
		return nil, err
	}

	c, err := kvm.GetSupportedCPUID(vm.kvmFd)
	if err != nil {
		return nil, fmt.Errorf("get supported cpuid: %w", err)
	}

	c = boot.NormalizeCPUID(c, index, numVCPUs)

	if err := kvm.SetCPUID2(fd, &c); err != nil {
		return nil, fmt.Errorf("set cpuid2: %w", err)
	}

	runMem, err := unix.Mmap(int(fd), 0, int(mmapSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}

	vcpu := &VCPU{
		vm:     vm,
		index:  index,
		fd:     fd,
		run:    (*kvm.RunData)(unsafe.Pointer(&runMem[0])),
		runMem: runMem,
	}

	if err := vcpu.initMSRs(); err != nil {
		return nil, err
	}

	return vcpu, nil
}

func (c *VCPU) close() {
	unix.Munmap(c.runMem)
}

func (c *VCPU) initMSRs() error {
	return kvm.SetMSRs(c.fd, boot.BootMSREntries())
}

func (c *VCPU) initArchState(entry, zeroPageAddr uint64, longMode bool, index int) error {
	regs, err := kvm.GetRegs(c.fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSI = zeroPageAddr

	if err := kvm.SetRegs(c.fd, &regs); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return err
	}

	if !longMode {
		flatSegment(&sregs.CS)
		flatSegment(&sregs.DS)
		flatSegment(&sregs.ES)
		flatSegment(&sregs.FS)
		flatSegment(&sregs.GS)
		flatSegment(&sregs.SS)

		sregs.CS.DB, sregs.SS.DB = 1, 1
		sregs.CR0 |= cr0ProtectedMode
	} else {
		// index 0 owns the single shared page-table hierarchy; the other
		// vCPUs just point CR3 at the same tables vCPU 0 built.
		if index == 0 {
			if err := buildLongModePageTables(c.vm); err != nil {
				return err
			}
		}

		sregs.CR3 = pageTableBase
		sregs.CR4 = cr4PhysAddrExt
		sregs.CR0 = cr0ProtectedMode | cr0MonitorCoproc | cr0ExtensionType |
			cr0NumericError | cr0WriteProtect | cr0AlignmentMask | cr0Paging
		sregs.EFER = eferLME | eferLMA

		code := kvm.Segment{
			Limit: 0xffffffff, Selector: 1 << 3, Type: 11,
			Present: 1, DB: 0, S: 1, L: 1, G: 1,
		}
		sregs.CS = code

		data := code
		data.Type = 3
		data.L = 0
		data.Selector = 2 << 3
		sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	}

	return kvm.SetSregs(c.fd, &sregs)
}

func flatSegment(s *kvm.Segment) {
	s.Base = 0
	s.Limit = 0xffffffff
	s.G = 1
}

// buildLongModePageTables writes an identity-mapped set of 2 MiB pages
// covering the first 4 GiB of guest-physical memory, the minimal mapping
// an ELF(x86_64) entry point needs before it builds its own tables.
func buildLongModePageTables(vm *VM) error {
	region, err := vm.Mem.Bytes(pageTableBase, 0x6000)
	if err != nil {
		return err
	}

	for i := range region {
		region[i] = 0
	}

	writeEntry := func(off int, phys uint64, flags uint64) {
		v := phys | flags
		for i := 0; i < 8; i++ {
			region[off+i] = byte(v >> (8 * uint(i)))
		}
	}

	const (
		present  = 1 << 0
		writable = 1 << 1
		pageSize = 1 << 7
	)

	writeEntry(0, pageTableBase+0x1000, present|writable)

	for i := uint64(0); i < 4; i++ {
		writeEntry(0x1000+int(i)*8, pageTableBase+(i+2)*0x1000, present|writable)
	}

	for i := uint64(0); i < 0x1_0000_0000; i += 0x200000 {
		writeEntry(0x2000+int(i/0x200000)*8, i, present|writable|pageSize)
	}

	return nil
}

// run1 executes KVM_RUN once and returns whether the caller should continue
// the run loop (true) or stop (false), per the exit-reason classification
// original_source's RunOnce-style dispatch uses.
func (c *VCPU) run1() (bool, error) {
	err := kvm.Run(c.fd)

	switch c.run.ExitReason {
	case kvm.EXITHLT:
		return false, err

	case kvm.EXITIO:
		direction, size, port, count, data := c.run.IO()

		for i := uint32(0); i < count; i++ {
			chunk := data[int(i)*int(size) : int(i+1)*int(size)]

			if direction == kvm.EXITIOIN {
				c.vm.Bus.Read(uint64(port), chunk)
			} else {
				c.vm.Bus.Write(uint64(port), chunk)
			}
		}

		return true, nil

	case kvm.EXITMMIO:
		addr, data, length, isWrite := c.run.MMIO()
		buf := data[:length]

		if isWrite {
			c.vm.Bus.Write(addr, buf)
		} else {
			c.vm.Bus.Read(addr, buf)
		}

		return true, nil

	case kvm.EXITINTR:
		return true, nil

	case kvm.EXITSHUTDOWN, kvm.EXITSYSTEMEVENT:
		return false, nil

	case kvm.EXITUNKNOWN:
		return true, err

	default:
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: reason %d", kvm.ErrUnhandledExit, c.run.ExitReason)
	}
}

