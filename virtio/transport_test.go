package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBackend struct{}

func (stubBackend) DeviceID() uint32                  { return 2 }
func (stubBackend) NumQueues() int                    { return 1 }
func (stubBackend) QueueSizeMax() uint16              { return 256 }
func (stubBackend) Features() uint64                  { return 0 }
func (stubBackend) ConfigRead(offset uint64, out []byte)  {}
func (stubBackend) ConfigWrite(offset uint64, in []byte)  {}
func (stubBackend) Notify(idx int, q *Queue) error    { return nil }

func newTestTransport(t *testing.T) *MmioTransport {
	t.Helper()

	return &MmioTransport{
		backend: stubBackend{},
		queues:  make([]queueState, 1),
	}
}

func TestStatusMonotonicUntilReset(t *testing.T) {
	tr := newTestTransport(t)

	tr.setStatus(StatusAck)
	tr.setStatus(StatusAck | StatusDriver)
	tr.setStatus(StatusAck | StatusDriver | StatusFeaturesOK)
	require.Equal(t, uint32(StatusAck|StatusDriver|StatusFeaturesOK), tr.Status())

	// A later write that omits FeaturesOK must not clear it.
	tr.setStatus(StatusAck | StatusDriver)
	require.NotZero(t, tr.Status()&StatusFeaturesOK)

	tr.setStatus(StatusReset)
	require.Equal(t, uint32(StatusReset), tr.Status())
}

func TestStatusFailedReachableFromAnyState(t *testing.T) {
	tr := newTestTransport(t)

	tr.setStatus(StatusAck | StatusDriver)
	tr.setStatus(StatusFailed)
	require.NotZero(t, tr.Status()&StatusFailed)
}
