package syscalls

import (
	sys "golang.org/x/sys/unix"
)

// Arch identifies the syscall numbering scheme of a recorded frame.
type Arch uint8

const (
	// X8664 is the linux/amd64 syscall ABI. It is the only arch this
	// build records or replays.
	X8664 Arch = iota
)

func (a Arch) String() string {
	if a == X8664 {
		return "x86_64"
	}
	return "unknown"
}

var names = map[int]string{
	sys.SYS_READ:              "read",
	sys.SYS_WRITE:             "write",
	sys.SYS_OPEN:              "open",
	sys.SYS_CLOSE:             "close",
	sys.SYS_STAT:              "stat",
	sys.SYS_FSTAT:             "fstat",
	sys.SYS_LSTAT:             "lstat",
	sys.SYS_POLL:              "poll",
	sys.SYS_LSEEK:             "lseek",
	sys.SYS_MMAP:              "mmap",
	sys.SYS_MPROTECT:          "mprotect",
	sys.SYS_MUNMAP:            "munmap",
	sys.SYS_BRK:               "brk",
	sys.SYS_RT_SIGACTION:      "rt_sigaction",
	sys.SYS_RT_SIGPROCMASK:    "rt_sigprocmask",
	sys.SYS_RT_SIGRETURN:      "rt_sigreturn",
	sys.SYS_IOCTL:             "ioctl",
	sys.SYS_PREAD64:           "pread64",
	sys.SYS_PWRITE64:          "pwrite64",
	sys.SYS_READV:             "readv",
	sys.SYS_WRITEV:            "writev",
	sys.SYS_ACCESS:            "access",
	sys.SYS_PIPE:              "pipe",
	sys.SYS_SELECT:            "select",
	sys.SYS_SCHED_YIELD:       "sched_yield",
	sys.SYS_MREMAP:            "mremap",
	sys.SYS_MADVISE:           "madvise",
	sys.SYS_DUP:               "dup",
	sys.SYS_DUP2:              "dup2",
	sys.SYS_PAUSE:             "pause",
	sys.SYS_NANOSLEEP:         "nanosleep",
	sys.SYS_GETPID:            "getpid",
	sys.SYS_SOCKET:            "socket",
	sys.SYS_CONNECT:           "connect",
	sys.SYS_ACCEPT:            "accept",
	sys.SYS_SENDTO:            "sendto",
	sys.SYS_RECVFROM:          "recvfrom",
	sys.SYS_SENDMSG:           "sendmsg",
	sys.SYS_RECVMSG:           "recvmsg",
	sys.SYS_SHUTDOWN:          "shutdown",
	sys.SYS_BIND:              "bind",
	sys.SYS_LISTEN:            "listen",
	sys.SYS_GETSOCKNAME:       "getsockname",
	sys.SYS_GETPEERNAME:       "getpeername",
	sys.SYS_SOCKETPAIR:        "socketpair",
	sys.SYS_CLONE:             "clone",
	sys.SYS_FORK:              "fork",
	sys.SYS_VFORK:             "vfork",
	sys.SYS_EXECVE:            "execve",
	sys.SYS_EXIT:              "exit",
	sys.SYS_WAIT4:             "wait4",
	sys.SYS_KILL:              "kill",
	sys.SYS_UNAME:             "uname",
	sys.SYS_FCNTL:             "fcntl",
	sys.SYS_FLOCK:             "flock",
	sys.SYS_FSYNC:             "fsync",
	sys.SYS_GETCWD:            "getcwd",
	sys.SYS_READLINK:          "readlink",
	sys.SYS_GETTIMEOFDAY:      "gettimeofday",
	sys.SYS_GETUID:            "getuid",
	sys.SYS_GETGID:            "getgid",
	sys.SYS_GETTID:            "gettid",
	sys.SYS_FUTEX:             "futex",
	sys.SYS_SCHED_SETAFFINITY: "sched_setaffinity",
	sys.SYS_SCHED_GETAFFINITY: "sched_getaffinity",
	sys.SYS_EPOLL_CREATE:      "epoll_create",
	sys.SYS_EPOLL_WAIT:        "epoll_wait",
	sys.SYS_EPOLL_CTL:         "epoll_ctl",
	sys.SYS_RESTART_SYSCALL:   "restart_syscall",
	sys.SYS_CLOCK_GETTIME:     "clock_gettime",
	sys.SYS_CLOCK_GETRES:      "clock_getres",
	sys.SYS_CLOCK_NANOSLEEP:   "clock_nanosleep",
	sys.SYS_EXIT_GROUP:        "exit_group",
	sys.SYS_TGKILL:            "tgkill",
	sys.SYS_TKILL:             "tkill",
	sys.SYS_WAITID:            "waitid",
	sys.SYS_OPENAT:            "openat",
	sys.SYS_PSELECT6:          "pselect6",
	sys.SYS_PPOLL:             "ppoll",
	sys.SYS_ACCEPT4:           "accept4",
	sys.SYS_EVENTFD2:          "eventfd2",
	sys.SYS_EPOLL_CREATE1:     "epoll_create1",
	sys.SYS_DUP3:              "dup3",
	sys.SYS_PIPE2:             "pipe2",
	sys.SYS_RT_SIGQUEUEINFO:   "rt_sigqueueinfo",
	sys.SYS_RT_TGSIGQUEUEINFO: "rt_tgsigqueueinfo",
	sys.SYS_PERF_EVENT_OPEN:   "perf_event_open",
	sys.SYS_PRCTL:             "prctl",
	sys.SYS_ARCH_PRCTL:        "arch_prctl",
	sys.SYS_SET_TID_ADDRESS:   "set_tid_address",
	sys.SYS_GETRANDOM:         "getrandom",
	sys.SYS_TIME:              "time",
}

// Name returns the name of a syscall or "<unknown>".
func Name(no int) string {
	if n, ok := names[no]; ok {
		return n
	}
	return "<unknown>"
}

// bufferable lists the syscalls whose preload-shim wrappers may record
// through the syscall buffer instead of trapping to the tracer.
// FUTEX_LOCK_PI style PI futexes are deliberately absent: the kernel
// state they mutate is not captured by outparam copying.
var bufferable = map[int]bool{
	sys.SYS_CLOCK_GETTIME: true,
	sys.SYS_GETTIMEOFDAY:  true,
	sys.SYS_TIME:          true,
	sys.SYS_READ:          true,
	sys.SYS_WRITE:         true,
	sys.SYS_WRITEV:        true,
	sys.SYS_CLOSE:         true,
	sys.SYS_ACCESS:        true,
	sys.SYS_MADVISE:       true,
	sys.SYS_POLL:          true,
	sys.SYS_EPOLL_WAIT:    true,
	sys.SYS_GETTID:        true,
	sys.SYS_GETPID:        true,
	sys.SYS_LSEEK:         true,
}

// Bufferable reports whether the shim is allowed to divert a syscall
// through the ring.
func Bufferable(no int) bool {
	return bufferable[no]
}

// mayBlock lists syscalls that can deschedule their caller
// indefinitely. The shim arms the desched event around these.
var mayBlock = map[int]bool{
	sys.SYS_READ:            true,
	sys.SYS_WRITE:           true,
	sys.SYS_WRITEV:          true,
	sys.SYS_READV:           true,
	sys.SYS_POLL:            true,
	sys.SYS_PPOLL:           true,
	sys.SYS_SELECT:          true,
	sys.SYS_PSELECT6:        true,
	sys.SYS_EPOLL_WAIT:      true,
	sys.SYS_FUTEX:           true,
	sys.SYS_NANOSLEEP:       true,
	sys.SYS_CLOCK_NANOSLEEP: true,
	sys.SYS_WAIT4:           true,
	sys.SYS_WAITID:          true,
	sys.SYS_ACCEPT:          true,
	sys.SYS_ACCEPT4:         true,
	sys.SYS_CONNECT:         true,
	sys.SYS_RECVFROM:        true,
	sys.SYS_RECVMSG:         true,
	sys.SYS_SENDTO:          true,
	sys.SYS_SENDMSG:         true,
	sys.SYS_FLOCK:           true,
	sys.SYS_MSGRCV:          true,
	sys.SYS_PAUSE:           true,
}

// MayBlock reports whether a syscall can block its caller.
func MayBlock(no int) bool {
	return mayBlock[no]
}

// OutparamRule describes how many bytes of tracee memory a syscall
// writes through which argument register, so the recorder knows what
// to copy into the trace at syscall exit.
type OutparamRule struct {
	// Arg is the 1-based index of the argument holding the output
	// pointer; 0 means the syscall writes no outparam.
	Arg int
	// Size yields the number of bytes written given the six argument
	// registers and the return value.
	Size func(args [6]uint64, ret int64) uint64
}

func fixedSize(n uint64) func([6]uint64, int64) uint64 {
	return func([6]uint64, int64) uint64 { return n }
}

func retSize(args [6]uint64, ret int64) uint64 {
	if ret <= 0 {
		return 0
	}
	return uint64(ret)
}

const (
	sizeofTimespec = 16
	sizeofTimeval  = 16
	sizeofStat     = 144
	sizeofPollfd   = 8
	sizeofEpollEvt = 12
)

// outparams maps syscalls to their recorded-data rules. Syscalls not
// listed record no exit-time data beyond registers.
var outparams = map[int]OutparamRule{
	sys.SYS_READ:          {Arg: 2, Size: retSize},
	sys.SYS_PREAD64:       {Arg: 2, Size: retSize},
	sys.SYS_RECVFROM:      {Arg: 2, Size: retSize},
	sys.SYS_GETCWD:        {Arg: 1, Size: retSize},
	sys.SYS_READLINK:      {Arg: 2, Size: retSize},
	sys.SYS_CLOCK_GETTIME: {Arg: 2, Size: fixedSize(sizeofTimespec)},
	sys.SYS_GETTIMEOFDAY:  {Arg: 1, Size: fixedSize(sizeofTimeval)},
	sys.SYS_NANOSLEEP:     {Arg: 2, Size: fixedSize(sizeofTimespec)},
	sys.SYS_STAT:          {Arg: 2, Size: fixedSize(sizeofStat)},
	sys.SYS_FSTAT:         {Arg: 2, Size: fixedSize(sizeofStat)},
	sys.SYS_LSTAT:         {Arg: 2, Size: fixedSize(sizeofStat)},
	sys.SYS_PIPE:          {Arg: 1, Size: fixedSize(8)},
	sys.SYS_PIPE2:         {Arg: 1, Size: fixedSize(8)},
	sys.SYS_POLL: {Arg: 1, Size: func(args [6]uint64, ret int64) uint64 {
		return args[1] * sizeofPollfd
	}},
	sys.SYS_EPOLL_WAIT: {Arg: 2, Size: func(args [6]uint64, ret int64) uint64 {
		if ret <= 0 {
			return 0
		}
		return uint64(ret) * sizeofEpollEvt
	}},
	sys.SYS_WAIT4:  {Arg: 2, Size: fixedSize(4)},
	sys.SYS_UNAME:  {Arg: 1, Size: fixedSize(390)},
	sys.SYS_GETRANDOM: {Arg: 1, Size: retSize},
	sys.SYS_SCHED_GETAFFINITY: {Arg: 3, Size: func(args [6]uint64, ret int64) uint64 {
		return args[1]
	}},
}

// Outparam returns the recorded-data rule for a syscall, if any.
func Outparam(no int) (OutparamRule, bool) {
	r, ok := outparams[no]
	return r, ok
}
