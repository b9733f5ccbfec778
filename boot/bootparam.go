package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gokvm/microvm/guestmemory"
)

// Linux x86_64 boot protocol offsets, in bytes from the start of the zero
// page (struct boot_params); the setup_header fields begin at 0x1f1.
const (
	zeroPageSize     = 4096
	setupHeaderBase  = 0x1f1

	zeroPageExtRamdiskImage = 192
	zeroPageExtRamdiskSize  = 196
	zeroPageExtCmdlinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	offBootFlag       = setupHeaderBase + 0x1fe - 0x1f1
	offHeaderMagic    = setupHeaderBase + 0x202 - 0x1f1
	offTypeOfLoader   = setupHeaderBase + 0x210 - 0x1f1
	offLoadFlags      = setupHeaderBase + 0x211 - 0x1f1
	offCode32Start    = setupHeaderBase + 0x214 - 0x1f1
	offRamdiskImage   = setupHeaderBase + 0x218 - 0x1f1
	offRamdiskSize    = setupHeaderBase + 0x21c - 0x1f1
	offHeapEndPtr     = setupHeaderBase + 0x224 - 0x1f1
	offCmdlinePtr     = setupHeaderBase + 0x228 - 0x1f1
	offInitrdAddrMax  = setupHeaderBase + 0x22c - 0x1f1

	e820EntrySize = 20
	e820MaxEntries = 128

	bootFlagMagic   = 0xaa55
	headerMagicWord = 0x53726448 // "HdrS"

	typeOfLoaderUndefined = 0xff
	loadFlagCanUseHeap    = 1 << 7
	loadFlagKeepSegments  = 1 << 6
)

// E820Type enumerates the e820 memory map region classes Linux recognizes.
type E820Type uint32

// E820 region types, per the BIOS e820 convention.
const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
)

// E820Entry is one row of the guest's physical memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// ErrCmdlineTooLarge is returned when the kernel command line exceeds the
// guest region reserved for it.
var ErrCmdlineTooLarge = errors.New("boot: command line exceeds reserved region")

// ErrTooManyE820Entries caps the zero page's fixed-size e820 table.
var ErrTooManyE820Entries = errors.New("boot: e820 map exceeds 128 entries")

// ZeroPageConfig carries everything BuildZeroPage needs to assemble Linux's
// boot_params structure, per spec §4.4's kernel-loading contract.
type ZeroPageConfig struct {
	ZeroPageAddr uint64
	KernelLoadAddr uint64
	CmdlineAddr  uint64
	Cmdline      string
	InitrdAddr   uint64
	InitrdSize   uint32
	E820         []E820Entry
}

// BuildZeroPage writes the Linux boot_params zero page and the kernel
// command line into mem, per the x86_64 boot protocol.
func BuildZeroPage(mem *guestmemory.Memory, cfg ZeroPageConfig) error {
	if len(cfg.E820) == 0 {
		return errors.New("boot: e820 map must have at least one entry")
	}

	if len(cfg.E820) > e820MaxEntries {
		return ErrTooManyE820Entries
	}

	if err := placeCmdline(mem, cfg.CmdlineAddr, cfg.Cmdline); err != nil {
		return err
	}

	zp := make([]byte, zeroPageSize)

	binary.LittleEndian.PutUint16(zp[offBootFlag:], bootFlagMagic)
	binary.LittleEndian.PutUint32(zp[offHeaderMagic:], headerMagicWord)
	zp[offTypeOfLoader] = typeOfLoaderUndefined
	zp[offLoadFlags] = loadFlagCanUseHeap | loadFlagKeepSegments
	binary.LittleEndian.PutUint16(zp[offHeapEndPtr:], 0xe000-0x200)

	if cfg.KernelLoadAddr > 0xffffffff {
		return fmt.Errorf("boot: kernel load address %#x exceeds 32-bit range", cfg.KernelLoadAddr)
	}

	binary.LittleEndian.PutUint32(zp[offCode32Start:], uint32(cfg.KernelLoadAddr))
	binary.LittleEndian.PutUint32(zp[offCmdlinePtr:], uint32(cfg.CmdlineAddr))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdlinePtr:], uint32(cfg.CmdlineAddr>>32))

	if cfg.InitrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[offRamdiskImage:], uint32(cfg.InitrdAddr))
		binary.LittleEndian.PutUint32(zp[offRamdiskSize:], cfg.InitrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskImage:], uint32(cfg.InitrdAddr>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskSize:], uint32(uint64(cfg.InitrdSize)>>32))
	}

	zp[zeroPageE820Entries] = byte(len(cfg.E820))

	for i, e := range cfg.E820 {
		base := zeroPageE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], e.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], e.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], uint32(e.Type))
	}

	_, err := mem.WriteAt(zp, int64(cfg.ZeroPageAddr))

	return err
}

func placeCmdline(mem *guestmemory.Memory, addr uint64, cmdline string) error {
	b := append([]byte(cmdline), 0)

	if _, err := mem.Bytes(addr, uint64(len(b))); err != nil {
		return ErrCmdlineTooLarge
	}

	_, err := mem.WriteAt(b, int64(addr))

	return err
}

// StandardE820Map builds the e820 map for a flat-memory guest: RAM from 0 up
// to the 640 KiB conventional-memory boundary (0x9fc00) and, when memSize
// exceeds 1 MiB, RAM from 1 MiB up to memSize. The EBDA/MP-table hole
// between them has no entry, per spec §3's memory layout.
func StandardE820Map(memSize uint64) []E820Entry {
	const lowMemTop = 0x9fc00 // conventional memory ends where the EBDA/MP table begins
	const highMemBase = 0x100000

	entries := []E820Entry{
		{Addr: 0, Size: lowMemTop, Type: E820Ram},
	}

	if memSize > highMemBase {
		entries = append(entries, E820Entry{
			Addr: highMemBase,
			Size: memSize - highMemBase,
			Type: E820Ram,
		})
	}

	return entries
}
