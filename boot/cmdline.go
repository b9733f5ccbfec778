package boot

import (
	"fmt"
	"strings"
)

// MmioDeviceClause describes one virtio-mmio transport window the kernel
// command line must advertise so the guest's virtio-mmio driver probes it,
// per spec §4.4's "virtio_mmio.device=" convention.
type MmioDeviceClause struct {
	Size uint64
	Addr uint64
	IRQ  uint32
}

// BuildCmdline appends one "virtio_mmio.device=SIZE@ADDR:IRQ" clause per
// device to the user-supplied boot arguments. A literal "--" in the
// user-supplied string separates kernel arguments from an init-process
// argument list; clauses are always inserted before it, never after.
func BuildCmdline(userArgs string, devices []MmioDeviceClause) string {
	head, tail, hasTail := splitAtDoubleDash(userArgs)

	var b strings.Builder

	b.WriteString(strings.TrimSpace(head))

	for _, d := range devices {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}

		fmt.Fprintf(&b, "virtio_mmio.device=%d@0x%x:%d", d.Size, d.Addr, d.IRQ)
	}

	if hasTail {
		b.WriteString(" -- ")
		b.WriteString(tail)
	}

	return b.String()
}

func splitAtDoubleDash(s string) (head, tail string, hasTail bool) {
	idx := strings.Index(s, "--")
	if idx < 0 {
		return s, "", false
	}

	return s[:idx], strings.TrimSpace(s[idx+2:]), true
}
