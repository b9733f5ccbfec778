package boot

import (
	"debug/elf"
	"errors"
	"io"

	"github.com/gokvm/microvm/guestmemory"
)

// Guest-physical layout constants for a flat, BIOS-less microVM boot, per
// spec §3's memory map and kvmtool's historical 0-1MiB reservation
// (https://github.com/kvmtool/kvmtool, referenced by
// other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go).
const (
	HighMemBase     = 0x100000
	RealModeIVTBase = 0x0
	VGARAMBase      = 0xa0000
	MBBIOSBase      = 0xf0000

	defaultSetupSectorSize = 512
)

// ErrZeroSizeKernel is returned when neither the ELF nor bzImage load path
// copies any kernel bytes into guest memory.
var ErrZeroSizeKernel = errors.New("boot: kernel image produced zero bytes")

// LoadedKernel reports where execution should start and whether it is a
// 64-bit (long mode) entry point.
type LoadedKernel struct {
	EntryAddr uint64
	LongMode  bool
}

// LoadKernel loads kernel into mem, preferring an ELF(x86_64) parse and
// falling back to the Linux bzImage format, per spec §4.4's dual-format
// loader rule. maxSize bounds how much of the guest's high-memory region a
// bzImage payload may occupy.
func LoadKernel(mem *guestmemory.Memory, kernel io.ReaderAt, loadAddr, maxSize uint64) (LoadedKernel, error) {
	if k, err := elf.NewFile(kernel); err == nil {
		return loadELF(mem, k)
	}

	return loadBzImage(mem, kernel, loadAddr, maxSize)
}

func loadELF(mem *guestmemory.Memory, k *elf.File) (LoadedKernel, error) {
	var total int64

	for _, p := range k.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		dst, err := mem.Bytes(p.Paddr, p.Filesz)
		if err != nil {
			return LoadedKernel{}, err
		}

		n, err := p.ReadAt(dst, 0)
		if err != nil && err != io.EOF {
			return LoadedKernel{}, err
		}

		total += int64(n)
	}

	if total == 0 {
		return LoadedKernel{}, ErrZeroSizeKernel
	}

	return LoadedKernel{EntryAddr: k.Entry, LongMode: k.Class == elf.ELFCLASS64}, nil
}

func loadBzImage(mem *guestmemory.Memory, kernel io.ReaderAt, loadAddr, maxSize uint64) (LoadedKernel, error) {
	hdr := make([]byte, 2)

	if _, err := kernel.ReadAt(hdr, 0x1f1); err != nil && err != io.EOF {
		return LoadedKernel{}, err
	}

	setupSects := int(hdr[0])
	if setupSects == 0 {
		setupSects = 4
	}

	setupSz := int64(setupSects+1) * defaultSetupSectorSize

	dst, err := mem.Bytes(loadAddr, maxSize)
	if err != nil {
		return LoadedKernel{}, err
	}

	n, err := kernel.ReadAt(dst, setupSz)
	if err != nil && err != io.EOF {
		return LoadedKernel{}, err
	}

	if n == 0 {
		return LoadedKernel{}, ErrZeroSizeKernel
	}

	return LoadedKernel{EntryAddr: loadAddr, LongMode: false}, nil
}

// LoadInitrd copies an optional initrd image into mem at addr and returns
// its size in bytes.
func LoadInitrd(mem *guestmemory.Memory, initrd io.ReaderAt, addr uint64, maxSize uint64) (uint32, error) {
	dst, err := mem.Bytes(addr, maxSize)
	if err != nil {
		return 0, err
	}

	n, err := initrd.ReadAt(dst, 0)
	if err != nil && err != io.EOF {
		return 0, err
	}

	return uint32(n), nil
}
