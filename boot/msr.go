package boot

import "github.com/gokvm/microvm/kvm"

// Fixed x86_64 MSR indices required to boot an unmodified Linux kernel,
// per original_source's arch/x86_64/msr.rs create_boot_msr_entries.
const (
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrSTAR            = 0xc0000081
	msrCSTAR           = 0xc0000083
	msrKernelGSBase    = 0xc0000102
	msrSyscallMask     = 0xc0000084
	msrLSTAR           = 0xc0000082
	msrIA32TSC         = 0x00000010
	msrIA32MiscEnable  = 0x000001a0

	miscEnableFastString = 1 << 0

	msrIA32MCGCTL = 0x0000017b
)

// BootMSREntries returns the fixed MSR set every Linux x86_64 guest needs
// configured before its first KVM_RUN, in the order original_source writes
// them.
func BootMSREntries() []kvm.MsrEntry {
	def := func(index uint32) kvm.MsrEntry {
		return kvm.MsrEntry{Index: index}
	}

	return []kvm.MsrEntry{
		def(msrIA32SysenterCS),
		def(msrIA32SysenterESP),
		def(msrIA32SysenterEIP),
		def(msrSTAR),
		def(msrCSTAR),
		def(msrKernelGSBase),
		def(msrSyscallMask),
		def(msrLSTAR),
		def(msrIA32TSC),
		{Index: msrIA32MiscEnable, Data: miscEnableFastString},
	}
}

// FilterSerializableMSRs drops MSR indices the kernel does not export for
// save/restore (currently just IA32_MCG_CTL), mirroring
// original_source's msr_should_serialize used when building a snapshot's
// MSR list from KVM_GET_MSR_INDEX_LIST.
func FilterSerializableMSRs(indices []uint32) []uint32 {
	out := make([]uint32, 0, len(indices))

	for _, idx := range indices {
		if idx == msrIA32MCGCTL {
			continue
		}

		out = append(out, idx)
	}

	return out
}
