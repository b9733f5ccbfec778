package legacy

import "time"

// BootTimer is a pseudo-device with no guest-visible register semantics:
// its only job is to record the time elapsed between the start passed to
// NewBootTimer and the guest's first write to this device, used to report a
// boot-time metric. Grounded on spec.md's "optional boot-time timestamps
// (for metrics)" CLI flag and Firecracker's own boot-timer pseudo-device.
type BootTimer struct {
	start    time.Time
	recorded bool
	elapsed  time.Duration
}

// NewBootTimer returns a timer armed against start (normally process
// start, passed in rather than read from time.Now so the caller controls
// when the clock begins).
func NewBootTimer(start time.Time) *BootTimer {
	return &BootTimer{start: start}
}

// Read implements device.Device; the boot timer has no readable state.
func (t *BootTimer) Read(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Write implements device.Device; any write marks boot complete.
func (t *BootTimer) Write(offset uint64, data []byte) {
	if !t.recorded {
		t.elapsed = time.Since(t.start)
		t.recorded = true
	}
}

// Elapsed returns the recorded boot duration, or zero if not yet recorded.
func (t *BootTimer) Elapsed() time.Duration {
	return t.elapsed
}
