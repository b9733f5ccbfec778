package virtio

import "crypto/rand"

const entropyDeviceID = 4

// Entropy is a virtio-rng Backend: every available descriptor's writable
// segments are filled from a CSPRNG. Supplements spec.md's named device
// set with the one additional virtio class original_source ships
// (src/devices/src/virtio/rng) that a complete Linux guest also expects
// when cpu_template enables RDRAND-less entropy seeding.
type Entropy struct{}

// NewEntropy returns a ready-to-use virtio-rng backend.
func NewEntropy() *Entropy { return &Entropy{} }

// DeviceID implements Backend.
func (e *Entropy) DeviceID() uint32 { return entropyDeviceID }

// NumQueues implements Backend.
func (e *Entropy) NumQueues() int { return 1 }

// QueueSizeMax implements Backend.
func (e *Entropy) QueueSizeMax() uint16 { return 256 }

// Features implements Backend.
func (e *Entropy) Features() uint64 { return 0 }

// ConfigRead implements Backend; virtio-rng has no config space.
func (e *Entropy) ConfigRead(offset uint64, out []byte) {}

// ConfigWrite implements Backend; virtio-rng has no config space.
func (e *Entropy) ConfigWrite(offset uint64, in []byte) {}

// Notify implements Backend: fills every writable segment of every
// pending chain with random bytes.
func (e *Entropy) Notify(idx int, q *Queue) error {
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
			if !c.Write {
				continue
			}

			n, _ := rand.Read(c.Host)
			total += uint32(n)
		}

		if err := q.PushUsed(head, total); err != nil {
			return err
		}
	}
}
