// Package legacy implements the small set of non-virtio devices an
// unmodified Linux guest needs at boot: a 16550 UART, an i8042 keyboard
// controller, and a boot-timer pseudo-device.
package legacy

import (
	"sync"

	"github.com/gokvm/microvm/kvm"
)

// UART register offsets (16550A-compatible), matching the teacher's
// serial-port wiring in machine.go (COM1 base 0x3f8, IRQ 4).
const (
	uartRegRBR = 0 // receiver buffer / transmit holding (DLAB=0)
	uartRegIER = 1
	uartRegIIR = 2
	uartRegLCR = 3
	uartRegMCR = 4
	uartRegLSR = 5
	uartRegMSR = 6
	uartRegSCR = 7
)

const (
	lsrDataReady       = 1 << 0
	lsrTransmitEmpty   = 1 << 5
	lsrTransmitterIdle = 1 << 6
)

// Serial is a minimal 16550A UART: input comes from a byte channel fed by
// the host's stdin reader goroutine, output goes straight to a writer
// (normally os.Stdout).
type Serial struct {
	mu sync.Mutex

	out     writer
	in      <-chan byte
	ier     byte
	lcr     byte
	mcr     byte
	scratch byte

	irqLine  uint32
	vmFd     uintptr
	hasInput bool
	pending  byte
}

type writer interface {
	Write(p []byte) (int, error)
}

// NewSerial constructs a Serial device whose interrupt line is raised via
// vmFd/irqLine whenever input becomes available and IER enables it.
func NewSerial(vmFd uintptr, irqLine uint32, out writer, in <-chan byte) *Serial {
	return &Serial{out: out, in: in, irqLine: irqLine, vmFd: vmFd}
}

// Read implements device.Device.
func (s *Serial) Read(offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return
	}

	switch offset {
	case uartRegRBR:
		s.drainPending()

		data[0] = s.pending
		s.hasInput = false
	case uartRegIER:
		data[0] = s.ier
	case uartRegIIR:
		if s.hasInput {
			data[0] = 0x04
		} else {
			data[0] = 0x01
		}
	case uartRegLCR:
		data[0] = s.lcr
	case uartRegMCR:
		data[0] = s.mcr
	case uartRegLSR:
		s.drainPending()

		v := byte(lsrTransmitEmpty | lsrTransmitterIdle)
		if s.hasInput {
			v |= lsrDataReady
		}

		data[0] = v
	case uartRegMSR:
		data[0] = 0
	case uartRegSCR:
		data[0] = s.scratch
	}
}

func (s *Serial) drainPending() {
	if s.hasInput {
		return
	}

	select {
	case b := <-s.in:
		s.pending = b
		s.hasInput = true
	default:
	}
}

// Write implements device.Device.
func (s *Serial) Write(offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return
	}

	switch offset {
	case uartRegRBR:
		s.out.Write(data[:1])
	case uartRegIER:
		s.ier = data[0]
	case uartRegLCR:
		s.lcr = data[0]
	case uartRegMCR:
		s.mcr = data[0]
	case uartRegSCR:
		s.scratch = data[0]
	}
}

// InjectIRQ raises the serial IRQ line once input has become available.
func (s *Serial) InjectIRQ() error {
	return kvm.IRQLine(s.vmFd, s.irqLine, 1)
}
