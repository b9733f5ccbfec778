package tap_test

import (
	"os"
	"testing"

	"github.com/gokvm/microvm/tap"
)

func TestOpenSetAddrClose(t *testing.T) { // nolint:paralleltest
	if os.Getuid() != 0 {
		t.Skip("skipping: requires root / CAP_NET_ADMIN")
	}

	d, err := tap.Open("mvmtest0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if d.Name() != "mvmtest0" {
		t.Fatalf("Name: got %q, want %q", d.Name(), "mvmtest0")
	}

	if err := d.SetAddr("192.168.201.1/24"); err != nil {
		t.Fatalf("SetAddr: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
