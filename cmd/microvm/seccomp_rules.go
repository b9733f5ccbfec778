package main

import (
	"github.com/gokvm/microvm/seccomp"
	"golang.org/x/sys/unix"
)

// defaultSeccompRules is the baseline allow-list installed on every vCPU
// thread and on the control-plane thread: the small set of syscalls a
// KVM-backed VMM actually issues once it's past setup (running guest
// code, servicing virtio queues, and responding to signals), not the
// broader set needed during device and memory initialization.
//
// The pack doesn't carry Firecracker's own default-filter JSON, so this
// list is assembled from what runOne (vmm/lifecycle.go) and the virtio
// backends call into after a vCPU starts running, not transcribed from
// an upstream allow-list.
func defaultSeccompRules() []seccomp.Rule {
	nums := []int64{
		unix.SYS_READ,
		unix.SYS_WRITE,
		unix.SYS_CLOSE,
		unix.SYS_MMAP,
		unix.SYS_MUNMAP,
		unix.SYS_IOCTL,
		unix.SYS_FUTEX,
		unix.SYS_RT_SIGRETURN,
		unix.SYS_RT_SIGPROCMASK,
		unix.SYS_SIGALTSTACK,
		unix.SYS_EXIT,
		unix.SYS_EXIT_GROUP,
		unix.SYS_CLOCK_GETTIME,
		unix.SYS_GETTID,
		unix.SYS_TGKILL,
		unix.SYS_MADVISE,
		unix.SYS_EPOLL_WAIT,
		unix.SYS_EPOLL_CTL,
		unix.SYS_RECVMSG,
		unix.SYS_SENDMSG,
		unix.SYS_FSTAT,
		unix.SYS_PREAD64,
		unix.SYS_PWRITE64,
		unix.SYS_OPENAT,
		unix.SYS_FCNTL,
	}

	rules := make([]seccomp.Rule, 0, len(nums))
	for _, n := range nums {
		rules = append(rules, seccomp.Rule{Syscall: n})
	}

	return rules
}
