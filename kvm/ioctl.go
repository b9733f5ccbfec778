// Package kvm wraps the Linux /dev/kvm ioctl interface used to create and
// drive a virtual machine and its vCPUs.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction/size encoding, mirroring <asm-generic/ioctl.h>. Kept as a
// small macro family (IIO/IIOW/IIOR/IIOWR) rather than one-off numeric
// constants so the large set of ioctls the snapshot/restore and MMIO
// notification paths need can be derived instead of hand-computed.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// IIO builds a direction-less ioctl number (_IO).
func IIO(nr uintptr) uintptr {
	return ioc(0, 0xAE, nr, 0)
}

// IIOW builds a write-direction ioctl number (_IOW) of the given size.
func IIOW(nr uintptr, size uintptr) uintptr {
	return ioc(iocWrite, 0xAE, nr, size)
}

// IIOR builds a read-direction ioctl number (_IOR) of the given size.
func IIOR(nr uintptr, size uintptr) uintptr {
	return ioc(iocRead, 0xAE, nr, size)
}

// IIOWR builds a read-write ioctl number (_IOWR) of the given size.
func IIOWR(nr uintptr, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, 0xAE, nr, size)
}

// Ioctl issues a raw ioctl(2) against fd, returning the syscall's integer
// result (some KVM ioctls, e.g. KVM_GET_VCPU_MMAP_SIZE, encode the answer
// there rather than through arg's pointee).
func Ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r1, errno
	}

	return r1, nil
}

func ioctlPtr(fd uintptr, req uintptr, p unsafe.Pointer) (uintptr, error) {
	return Ioctl(fd, req, uintptr(p))
}
