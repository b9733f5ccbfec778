package virtio

import (
	"io"
)

const netDeviceID = 1

// rxQueueIdx/txQueueIdx follow the virtio-net convention: queue 0 is
// guest-receive (host writes), queue 1 is guest-transmit (host reads),
// grounded on other_examples/fd143688_bobuhiro11-gokvm__virtio-net.go.go's
// VirtQueue[2] layout.
const (
	rxQueueIdx = 0
	txQueueIdx = 1
)

// Net is a virtio-net Backend bridging a guest's two queues to a host tap
// file descriptor (opened and brought up by the tap package, itself built
// on github.com/vishvananda/netlink).
type Net struct {
	tap io.ReadWriter
	mac [6]byte
}

// NewNet constructs a virtio-net backend over an already-open,
// already-configured tap device.
func NewNet(tap io.ReadWriter, mac [6]byte) *Net {
	return &Net{tap: tap, mac: mac}
}

// DeviceID implements Backend.
func (n *Net) DeviceID() uint32 { return netDeviceID }

// NumQueues implements Backend.
func (n *Net) NumQueues() int { return 2 }

// QueueSizeMax implements Backend.
func (n *Net) QueueSizeMax() uint16 { return 256 }

// Features implements Backend; VIRTIO_NET_F_MAC.
func (n *Net) Features() uint64 { return 1 << 5 }

// ConfigRead implements Backend: the 6-byte MAC config field.
func (n *Net) ConfigRead(offset uint64, out []byte) {
	if offset < 6 {
		copy(out, n.mac[offset:])
	}
}

// ConfigWrite implements Backend; the MAC field is read-only from the
// guest's perspective once configured via /network-interfaces.
func (n *Net) ConfigWrite(offset uint64, in []byte) {}

// Notify implements Backend. Queue 1 (TX) is driven by queue-notify
// directly: walk every pending chain and write the packet to the tap
// device. Queue 0 (RX) is driven the other way — by TapReadable, called
// from the event multiplexer when the tap fd becomes readable — so Notify
// on queue 0 is a no-op (the guest has just replenished RX buffers).
func (n *Net) Notify(idx int, q *Queue) error {
	if idx != txQueueIdx {
		return nil
	}

	for {
		has, err := q.HasAvail()
		if err != nil || !has {
			return err
		}

		head, chunks, err := q.PopChain()
		if err != nil {
			return err
		}

		var total uint32

		for _, c := range chunks {
			if c.Write {
				continue
			}

			m, err := n.tap.Write(c.Host)
			total += uint32(m)

			if err != nil {
				break
			}
		}

		if err := q.PushUsed(head, total); err != nil {
			return err
		}
	}
}

// TapReadable is called by the event multiplexer when the tap fd has a
// packet ready; it pops one RX descriptor chain and copies the packet in.
func (n *Net) TapReadable(q *Queue) (bool, error) {
	has, err := q.HasAvail()
	if err != nil || !has {
		return false, err
	}

	head, chunks, err := q.PopChain()
	if err != nil {
		return false, err
	}

	var total uint32

	for _, c := range chunks {
		if !c.Write {
			continue
		}

		m, err := n.tap.Read(c.Host)
		total += uint32(m)

		if err != nil {
			break
		}

		break // one packet per descriptor's first writable segment
	}

	return true, q.PushUsed(head, total)
}
