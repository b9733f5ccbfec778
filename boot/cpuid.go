package boot

import "github.com/gokvm/microvm/kvm"

// CPUID leaf numbers the normalization pass inspects, per
// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html and the
// topology/cache/brand-string leaves every modern Linux guest probes.
const (
	cpuidLeafPerfMon        = 0x0a
	cpuidLeafCacheTopology  = 0x04
	cpuidLeafExtTopologyX2  = 0x0b
	cpuidLeafExtTopologyV2  = 0x1f
	cpuidLeafHypervisorBase = 0x40000000
	cpuidLeafHypervisorFeat = 0x40000001
	cpuidLeafBrandString1   = 0x80000002
	cpuidLeafBrandString3   = 0x80000004

	cpuidSigEBX = 0x4b4d564b // "KVMK"
	cpuidSigECX = 0x564b4d56 // "VMKV"
	cpuidSigEDX = 0x0000004d // "M"

	cpuidFeatTSCDeadlineTimer = 1 << 24
)

// NormalizeCPUID masks out host-only leaves, installs the hypervisor
// signature, and rewrites the topology leaves to a flat (no SMT, no cache
// sharing) layout for vcpuIndex of numVCPUs, following the same
// leaf-by-leaf adjustment original_source's guest_config/cpuid/normalize
// performs on the raw KVM_GET_SUPPORTED_CPUID result before KVM_SET_CPUID2.
func NormalizeCPUID(c kvm.CPUID, vcpuIndex, numVCPUs int) kvm.CPUID {
	for i := uint32(0); i < c.Nent; i++ {
		e := &c.Entries[i]

		switch e.Function {
		case cpuidLeafPerfMon:
			e.EAX = 0

		case cpuidLeafHypervisorBase:
			e.EAX = cpuidLeafHypervisorFeat
			e.EBX = cpuidSigEBX
			e.ECX = cpuidSigECX
			e.EDX = cpuidSigEDX

		case cpuidLeafCacheTopology:
			normalizeCacheLeaf(e, numVCPUs)

		case cpuidLeafExtTopologyX2, cpuidLeafExtTopologyV2:
			normalizeTopologyLeaf(e, vcpuIndex, numVCPUs)

		case cpuidLeafBrandString1, cpuidLeafBrandString1 + 1, cpuidLeafBrandString3:
			// brand string leaves pass through unmodified; listed here so the
			// dispatch above documents every leaf this function is aware of.
		}
	}

	return c
}

func normalizeCacheLeaf(e *kvm.CPUIDEntry2, numVCPUs int) {
	cacheType := e.EAX & 0x1f
	if cacheType == 0 {
		return
	}

	// Bits 25:14 of EAX are (cores_sharing_cache - 1); with no SMT and no
	// shared caches across vCPUs, every cache level is private to its vCPU.
	e.EAX = (e.EAX &^ (0xfff << 14)) | (0 << 14)
	e.EAX = (e.EAX &^ (0x3f << 26)) | (uint32(numVCPUs-1) << 26)
}

func normalizeTopologyLeaf(e *kvm.CPUIDEntry2, vcpuIndex, numVCPUs int) {
	switch e.Index {
	case 0:
		// level 0: SMT, one logical processor per core (no hyperthreading).
		e.EAX = 0
		e.EBX = 1
		e.ECX = (e.Index & 0xff) | (1 << 8)
	case 1:
		// level 1: core, width covers every vCPU as a distinct core.
		width := uint32(0)
		for (1 << width) < uint32(numVCPUs) {
			width++
		}

		e.EAX = width
		e.EBX = uint32(numVCPUs)
		e.ECX = (e.Index & 0xff) | (2 << 8)
	default:
		e.EAX, e.EBX, e.ECX, e.EDX = 0, 0, e.Index&0xff, 0
	}

	e.EDX = uint32(vcpuIndex)
}
