package virtio

import (
	"net"
	"sync"

	"github.com/mdlayher/vsock"
)

const vsockDeviceID = 19

// Vsock is a virtio-vsock Backend configured by spec §6's
// `PUT /vsock {guest_cid, uds_path}`. The guest CID is exposed as config
// space. The device's virtqueues are never read or written, so no vsock
// packet is exchanged with the guest. Separately, NewVsock listens on the
// host's AF_VSOCK socket and copies each accepted connection to and from a
// new Unix-socket connection to uds_path.
type Vsock struct {
	mu       sync.Mutex
	guestCID uint64
	udsPath  string
	listener *vsock.Listener
}

// NewVsock starts listening on the host's AF_VSOCK socket at port number
// guestCID and returns a backend that forwards accepted connections to
// udsPath.
func NewVsock(guestCID uint64, udsPath string) (*Vsock, error) {
	l, err := vsock.Listen(uint32(guestCID), nil)
	if err != nil {
		return nil, err
	}

	v := &Vsock{guestCID: guestCID, udsPath: udsPath, listener: l}

	go v.acceptLoop()

	return v, nil
}

func (v *Vsock) acceptLoop() {
	for {
		conn, err := v.listener.Accept()
		if err != nil {
			return
		}

		go v.forward(conn)
	}
}

func (v *Vsock) forward(conn net.Conn) {
	defer conn.Close()

	uds, err := net.Dial("unix", v.udsPath)
	if err != nil {
		return
	}
	defer uds.Close()

	done := make(chan struct{}, 2)

	go func() { copyAndSignal(uds, conn, done) }()
	go func() { copyAndSignal(conn, uds, done) }()

	<-done
}

func copyAndSignal(dst, src net.Conn, done chan<- struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}

		if err != nil {
			break
		}
	}

	done <- struct{}{}
}

// DeviceID implements Backend.
func (v *Vsock) DeviceID() uint32 { return vsockDeviceID }

// NumQueues implements Backend: rx, tx, event.
func (v *Vsock) NumQueues() int { return 3 }

// QueueSizeMax implements Backend.
func (v *Vsock) QueueSizeMax() uint16 { return 256 }

// Features implements Backend.
func (v *Vsock) Features() uint64 { return 0 }

// ConfigRead implements Backend: the 8-byte guest_cid field.
func (v *Vsock) ConfigRead(offset uint64, out []byte) {
	var b [8]byte

	for i := 0; i < 8; i++ {
		b[i] = byte(v.guestCID >> (8 * uint(i)))
	}

	if offset < 8 {
		copy(out, b[offset:])
	}
}

// ConfigWrite implements Backend; guest_cid is host-assigned, read-only.
func (v *Vsock) ConfigWrite(offset uint64, in []byte) {}

// Notify implements Backend: a queue notification is acknowledged without
// reading the queue. The stream-forwarding goroutines above do not use the
// virtqueues.
func (v *Vsock) Notify(idx int, q *Queue) error { return nil }

// Close stops accepting new vsock connections.
func (v *Vsock) Close() error {
	return v.listener.Close()
}
