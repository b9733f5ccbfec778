package vmm_test

import (
	"os"
	"testing"

	"github.com/gokvm/microvm/boot"
	"github.com/gokvm/microvm/vmm"
	"github.com/sirupsen/logrus"
)

func requireKVM(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("skipping: /dev/kvm unavailable: %v", err)
	}

	f.Close()
}

func TestNewRejectsVCPUCountOutOfRange(t *testing.T) { // nolint:paralleltest
	log := logrus.NewEntry(logrus.New())

	if _, err := vmm.New(vmm.Config{MemSizeBytes: 1 << 20, VCPUCount: 0}, log); err == nil {
		t.Fatalf("New with VCPUCount 0: got nil error, want one")
	}

	if _, err := vmm.New(vmm.Config{MemSizeBytes: 1 << 20, VCPUCount: boot.MaxSupportedCPUs + 1}, log); err == nil {
		t.Fatalf("New with VCPUCount over max: got nil error, want one")
	}
}

func TestNewAndClose(t *testing.T) { // nolint:paralleltest
	requireKVM(t)

	log := logrus.NewEntry(logrus.New())

	v, err := vmm.New(vmm.Config{MemSizeBytes: 256 << 20, VCPUCount: 1}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(v.VCPUs) != 1 {
		t.Fatalf("New: got %d vcpus, want 1", len(v.VCPUs))
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestControllerPauseResumeExit(t *testing.T) { // nolint:paralleltest
	requireKVM(t)

	log := logrus.NewEntry(logrus.New())

	v, err := vmm.New(vmm.Config{MemSizeBytes: 256 << 20, VCPUCount: 2}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	defer v.Close()

	c := vmm.NewController(v)
	c.Start()

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if c.State() != vmm.StatePaused {
		t.Fatalf("State after Pause: got %v, want %v", c.State(), vmm.StatePaused)
	}

	c.Resume()

	if c.State() != vmm.StateRunning {
		t.Fatalf("State after Resume: got %v, want %v", c.State(), vmm.StateRunning)
	}

	// A vCPU with no program loaded will fault almost immediately; Exit's
	// job here is just to unblock both run loops and return, whatever
	// their individual exit reasons were.
	if err := c.Exit(); err != nil {
		t.Logf("Exit: %v", err)
	}

	if c.State() != vmm.StateExited {
		t.Fatalf("State after Exit: got %v, want %v", c.State(), vmm.StateExited)
	}
}
