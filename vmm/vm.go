// Package vmm owns the VM/vCPU lifecycle: memory installation, guest
// firmware-table setup, the per-vCPU run loop, the pause/resume/exit state
// machine, and snapshot create/restore.
package vmm

import (
	"fmt"
	"os"

	"github.com/gokvm/microvm/boot"
	"github.com/gokvm/microvm/bus"
	"github.com/gokvm/microvm/guestmemory"
	"github.com/gokvm/microvm/kvm"
	"github.com/gokvm/microvm/legacy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	identityMapAddr = 0xfeffc000
	tssAddr         = 0xfeffd000
)

// Config describes everything needed to stand up a VM before its vCPUs
// start running, per spec §6's PUT /machine-config and /boot-source
// contract.
type Config struct {
	MemSizeBytes uint64
	VCPUCount    int
	TrackDirty   bool
}

// VM owns a single KVM virtual machine: its address space, its vCPUs, the
// I/O bus every device is attached to, and the boot-time firmware tables.
type VM struct {
	kvmFile *os.File
	kvmFd   uintptr
	vmFd    uintptr

	Mem *guestmemory.Memory
	Bus *bus.Bus

	VCPUs []*VCPU

	I8042 *legacy.I8042Device

	log *logrus.Entry
}

// New opens /dev/kvm, creates the VM, installs guest memory, sets up the
// in-kernel IRQ chip and PIT, and writes the MP table — everything that
// must exist before the first vCPU is created, per spec §4.1.
func New(cfg Config, log *logrus.Entry) (*VM, error) {
	if cfg.VCPUCount < 1 || cfg.VCPUCount > boot.MaxSupportedCPUs {
		return nil, fmt.Errorf("vmm: vcpu count %d out of range", cfg.VCPUCount)
	}

	kvmFile, err := kvm.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("vmm: open /dev/kvm: %w", err)
	}

	kvmFd := kvmFile.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		kvmFile.Close()

		return nil, fmt.Errorf("vmm: create vm: %w", err)
	}

	v := &VM{
		kvmFile: kvmFile,
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		Bus:     bus.New(),
		I8042:   legacy.NewI8042(),
		log:     log,
	}

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, fmt.Errorf("vmm: set tss addr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("vmm: set identity map addr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: create irqchip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("vmm: create pit2: %w", err)
	}

	mem, err := guestmemory.New(0, []uint64{cfg.MemSizeBytes}, cfg.TrackDirty)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocate guest memory: %w", err)
	}

	v.Mem = mem

	for slot, r := range mem.Regions() {
		region := &kvm.UserspaceMemoryRegion{
			Slot:          uint32(slot),
			GuestPhysAddr: r.GuestAddr,
			MemorySize:    r.Size(),
			UserspaceAddr: uint64(r.HostAddr()),
		}

		if cfg.TrackDirty {
			region.SetMemLogDirtyPages()
		}

		if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
			return nil, fmt.Errorf("vmm: install memory slot %d: %w", slot, err)
		}
	}

	if err := boot.ReserveEBDA(mem); err != nil {
		return nil, fmt.Errorf("vmm: reserve ebda: %w", err)
	}

	if err := boot.SetupMPTable(mem, uint8(cfg.VCPUCount)); err != nil {
		return nil, fmt.Errorf("vmm: setup mp table: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vmm: get vcpu mmap size: %w", err)
	}

	for i := 0; i < cfg.VCPUCount; i++ {
		vcpu, err := newVCPU(v, i, cfg.VCPUCount, mmapSize)
		if err != nil {
			return nil, fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}

		v.VCPUs = append(v.VCPUs, vcpu)
	}

	if err := v.Bus.Insert(v.I8042, 0x60, 0x10); err != nil {
		return nil, fmt.Errorf("vmm: attach i8042: %w", err)
	}

	return v, nil
}

// VMFd returns the raw KVM VM file descriptor, for snapshot/restore calls
// that operate on VM-level (non-per-vCPU) state.
func (v *VM) VMFd() uintptr { return v.vmFd }

// KVMFd returns the raw /dev/kvm file descriptor.
func (v *VM) KVMFd() uintptr { return v.kvmFd }

// Close releases every vCPU's mmap'd run structure and the VM/KVM file
// descriptors.
func (v *VM) Close() error {
	for _, vcpu := range v.VCPUs {
		vcpu.close()
	}

	unix.Close(int(v.vmFd)) //nolint:errcheck

	return v.kvmFile.Close()
}

// BootLinux loads the kernel/initrd, builds the command line and zero
// page, and sets every vCPU's initial architectural state so vCPU 0 enters
// at the kernel's entry point, per spec §4.4.
func (v *VM) BootLinux(kernel, initrd *os.File, userCmdline string, devices []boot.MmioDeviceClause) error {
	const (
		cmdlineAddr = 0x20000
		initrdAddr  = 0xf000000
		zeroPageAddr = 0x7000
	)

	loaded, err := boot.LoadKernel(v.Mem, kernel, boot.HighMemBase, 256<<20)
	if err != nil {
		return fmt.Errorf("vmm: load kernel: %w", err)
	}

	var initrdSize uint32

	if initrd != nil {
		initrdSize, err = boot.LoadInitrd(v.Mem, initrd, initrdAddr, 256<<20)
		if err != nil {
			return fmt.Errorf("vmm: load initrd: %w", err)
		}
	}

	cmdline := boot.BuildCmdline(userCmdline, devices)

	e820 := boot.StandardE820Map(v.Mem.Regions()[0].Size())

	cfg := boot.ZeroPageConfig{
		ZeroPageAddr:   zeroPageAddr,
		KernelLoadAddr: loaded.EntryAddr,
		CmdlineAddr:    cmdlineAddr,
		Cmdline:        cmdline,
		InitrdAddr:     initrdAddr,
		InitrdSize:     initrdSize,
		E820:           e820,
	}

	if err := boot.BuildZeroPage(v.Mem, cfg); err != nil {
		return fmt.Errorf("vmm: build zero page: %w", err)
	}

	for i, vcpu := range v.VCPUs {
		if err := vcpu.initArchState(loaded.EntryAddr, zeroPageAddr, loaded.LongMode, i); err != nil {
			return fmt.Errorf("vmm: init vcpu %d arch state: %w", i, err)
		}
	}

	return nil
}
