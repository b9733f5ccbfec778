package boot

import (
	"testing"

	"github.com/gokvm/microvm/kvm"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCPUIDInstallsHypervisorSignature(t *testing.T) {
	c := kvm.CPUID{Nent: 1}
	c.Entries[0].Function = cpuidLeafHypervisorBase

	out := NormalizeCPUID(c, 0, 1)

	require.Equal(t, uint32(cpuidLeafHypervisorFeat), out.Entries[0].EAX)
	require.Equal(t, uint32(cpuidSigEBX), out.Entries[0].EBX)
	require.Equal(t, uint32(cpuidSigECX), out.Entries[0].ECX)
	require.Equal(t, uint32(cpuidSigEDX), out.Entries[0].EDX)
}

func TestNormalizeCPUIDDisablesPerfMon(t *testing.T) {
	c := kvm.CPUID{Nent: 1}
	c.Entries[0].Function = cpuidLeafPerfMon
	c.Entries[0].EAX = 0xdeadbeef

	out := NormalizeCPUID(c, 0, 1)

	require.Equal(t, uint32(0), out.Entries[0].EAX)
}

func TestNormalizeCPUIDTopologyEncodesVCPUIndex(t *testing.T) {
	c := kvm.CPUID{Nent: 1}
	c.Entries[0].Function = cpuidLeafExtTopologyX2
	c.Entries[0].Index = 0

	out := NormalizeCPUID(c, 2, 4)

	require.Equal(t, uint32(2), out.Entries[0].EDX)
}
