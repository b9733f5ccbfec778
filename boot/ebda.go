package boot

import "github.com/gokvm/microvm/guestmemory"

// EBDAStart is the guest-physical address of the Extended BIOS Data Area,
// where the MP floating pointer table (MPTableStart) also lives. Real
// firmware reserves this region from the e820 map; a microVM with no BIOS
// still honors the reservation since guest kernels assume it's off-limits
// to RAM allocation.
const EBDAStart = MPTableStart

// ReserveEBDA zeroes the EBDA region so any stale bytes left by a prior
// guest-memory allocation don't masquerade as a valid MP table or other
// firmware structure before SetupMPTable writes the real one.
func ReserveEBDA(mem *guestmemory.Memory) error {
	size := VGARAMBase - EBDAStart

	b, err := mem.Bytes(EBDAStart, size)
	if err != nil {
		return err
	}

	for i := range b {
		b[i] = 0
	}

	return nil
}
