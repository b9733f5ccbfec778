package vmm

import (
	"bytes"
	"io"
	"testing"

	"github.com/gokvm/microvm/kvm"
)

// fakeMem implements io.WriterTo/io.ReaderFrom over an in-memory buffer, so
// the snapshot framing can be exercised without a real guest address space.
type fakeMem struct {
	data []byte
}

func (m *fakeMem) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.data)

	return int64(n), err
}

func (m *fakeMem) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.ReadFull(r, m.data)

	return int64(n), err
}

func TestSnapshotRoundTrip(t *testing.T) { // nolint:paralleltest
	snap := &Snapshot{
		MemSizeBytes: 1 << 20,
		VCPUCount:    1,
		VCPUs: []VCPUState{
			{
				Regs:      make([]byte, 8),
				Sregs:     make([]byte, 8),
				MSRs:      []kvm.MsrEntry{{Index: 0x174, Data: 0x10}},
				LAPIC:     make([]byte, 4096),
				Events:    make([]byte, 8),
				MPState:   0,
				DebugRegs: make([]byte, 8),
				XCRs:      make([]byte, 8),
			},
		},
		VM: VMState{
			Clock:         make([]byte, 24),
			IRQChipPIC0:   make([]byte, 8),
			IRQChipPIC1:   make([]byte, 8),
			IRQChipIOAPIC: make([]byte, 8),
			PIT2:          make([]byte, 8),
		},
	}

	mem := &fakeMem{data: []byte("guest-memory-contents")}

	var buf bytes.Buffer

	if err := WriteSnapshot(&buf, snap, mem); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	readMem := &fakeMem{data: make([]byte, len(mem.data))}

	got, err := ReadSnapshot(&buf, readMem)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	if got.MemSizeBytes != snap.MemSizeBytes || got.VCPUCount != snap.VCPUCount {
		t.Fatalf("ReadSnapshot header mismatch: got %+v, want %+v", got, snap)
	}

	if len(got.VCPUs) != 1 || got.VCPUs[0].MSRs[0].Index != 0x174 {
		t.Fatalf("ReadSnapshot vcpu state mismatch: got %+v", got.VCPUs)
	}

	if !bytes.Equal(readMem.data, []byte("guest-memory-contents")) {
		t.Fatalf("ReadSnapshot memory mismatch: got %q", readMem.data)
	}
}

func TestStructBytesRoundTrip(t *testing.T) { // nolint:paralleltest
	type sample struct {
		A uint32
		B uint64
	}

	in := sample{A: 7, B: 99}
	b := cloneBytes(structBytes(&in))

	var out sample
	if err := copyStruct(&out, b); err != nil {
		t.Fatalf("copyStruct: %v", err)
	}

	if out != in {
		t.Fatalf("round trip: got %+v, want %+v", out, in)
	}
}

func TestCopyStructRejectsShortBuffer(t *testing.T) { // nolint:paralleltest
	var r kvm.MsrEntry

	if err := copyStruct(&r, []byte{1, 2, 3}); err == nil {
		t.Fatalf("copyStruct with short buffer: got nil error, want one")
	}
}
