package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootMSREntriesIncludesMiscEnableFastString(t *testing.T) {
	entries := BootMSREntries()
	require.NotEmpty(t, entries)

	var found bool

	for _, e := range entries {
		if e.Index == msrIA32MiscEnable {
			found = true
			require.Equal(t, uint64(miscEnableFastString), e.Data)
		}
	}

	require.True(t, found)
}

func TestFilterSerializableMSRsDropsMCGCtl(t *testing.T) {
	in := []uint32{msrIA32TSC, msrIA32MCGCTL, msrSTAR}

	out := FilterSerializableMSRs(in)

	require.Equal(t, []uint32{msrIA32TSC, msrSTAR}, out)
}
