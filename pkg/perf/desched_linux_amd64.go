package perf

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// DeschedSignal is delivered to the tracee when its desched event
// fires, i.e. on the first kernel deschedule after arming.
const DeschedSignal = sys.SIGIO

// DeschedEvent is a software perf event counting context switches out
// of its owning task, with a sample period of one. While armed, the
// next deschedule of the task delivers DeschedSignal to it, raising a
// ptrace signal stop the tracer interprets as "task is blocked".
//
// The fd is created and owned by the tracer so the tracee can neither
// close nor reprogram it. This package does not transfer the fd to
// the tracee.
type DeschedEvent struct {
	tid int
	fd  int
}

// OpenDesched creates the desched event for a task. The event starts
// disabled; the shim arms it with PERF_EVENT_IOC_ENABLE around
// may-block syscalls.
func OpenDesched(tid int) (*DeschedEvent, error) {
	attr := sys.PerfEventAttr{
		Type:          sys.PERF_TYPE_SOFTWARE,
		Size:          uint32(sys.PERF_ATTR_SIZE_VER1),
		Config:        sys.PERF_COUNT_SW_CONTEXT_SWITCHES,
		Sample:        1,
		Sample_type:   sys.PERF_SAMPLE_IP,
		Bits:          sys.PerfBitDisabled,
		Wakeup:        1,
	}
	fd, err := sys.PerfEventOpen(&attr, tid, -1, -1, sys.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(cs, period=1, tid %d): %w", tid, err)
	}
	de := &DeschedEvent{tid: tid, fd: fd}
	if err := routeOverflowSignal(fd, tid, int(DeschedSignal)); err != nil {
		sys.Close(fd)
		return nil, err
	}
	return de, nil
}

// Arm enables the event. The next deschedule of the task fires it.
func (de *DeschedEvent) Arm() error {
	return ioctlNoArg(de.fd, sys.PERF_EVENT_IOC_ENABLE)
}

// Disarm disables the event.
func (de *DeschedEvent) Disarm() error {
	return ioctlNoArg(de.fd, sys.PERF_EVENT_IOC_DISABLE)
}

// Fd exposes the raw fd for SCM_RIGHTS transfer into the tracee.
func (de *DeschedEvent) Fd() int { return de.fd }

// Close releases the event.
func (de *DeschedEvent) Close() error {
	if de.fd < 0 {
		return nil
	}
	err := sys.Close(de.fd)
	de.fd = -1
	return err
}
