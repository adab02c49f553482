package perf

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

func ptrOf(v *uint64) uintptr {
	return uintptr(unsafe.Pointer(v))
}

func fcntlFOwnerEx(fd int, owner *sys.FOwnerEx) error {
	_, _, errno := sys.Syscall(sys.SYS_FCNTL, uintptr(fd), uintptr(sys.F_SETOWN_EX),
		uintptr(unsafe.Pointer(owner)))
	if errno != 0 {
		return errno
	}
	return nil
}
