// Package perf wraps the two hardware facilities determinism hangs
// on: the retired-conditional-branch counter used as the tick source,
// and the per-task desched event that reports kernel context
// switches.
package perf

import (
	"fmt"
	"os"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/logflags"
)

// Raw event encodings for the "retired conditional branches" tick
// source. The encoding differs per CPU vendor; this is the only part
// of the tick source that is microarchitecture specific.
const (
	intelRetiredCondBranches = 0x5101c4 // BR_INST_RETIRED.CONDITIONAL
	amdRetiredCondBranches   = 0x5100d1 // RETIRED_CONDITIONAL_BRANCH_INSTRUCTIONS
)

// TicksSignal is delivered to the tracee when an armed timeslice
// expires. The fd is programmed for async notification so the
// overflow surfaces as a signal stop on the tracee.
const TicksSignal = sys.SIGSTKFLT

// Counters drives the hardware performance counter used as the tick
// source for one task. The counter counts retired conditional
// branches in user mode only.
type Counters struct {
	tid int
	fd  int

	// attr is retained so the counter can be re-opened after exec.
	attr sys.PerfEventAttr

	started bool
	// saved adds ticks accumulated before the last Reset.
	saved uint64
}

// Open creates the tick counter for the given task. The counter
// starts disabled; Reset starts it.
func Open(tid int) (*Counters, error) {
	cfg, err := tickEventConfig()
	if err != nil {
		return nil, err
	}
	c := &Counters{tid: tid, fd: -1}
	c.attr = sys.PerfEventAttr{
		Type:        sys.PERF_TYPE_RAW,
		Size:        uint32(sys.PERF_ATTR_SIZE_VER1),
		Config:      cfg,
		Bits:        sys.PerfBitDisabled | sys.PerfBitExcludeKernel | sys.PerfBitExcludeHv,
		Sample_type: sys.PERF_SAMPLE_IP,
		Wakeup:      1,
	}
	fd, err := sys.PerfEventOpen(&c.attr, tid, -1, -1, sys.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(ticks, tid %d): %w", tid, err)
	}
	c.fd = fd
	return c, nil
}

// tickEventConfig picks the raw event encoding for the host CPU.
func tickEventConfig() (uint64, error) {
	vendor, err := cpuVendor()
	if err != nil {
		return 0, err
	}
	switch vendor {
	case "GenuineIntel":
		return intelRetiredCondBranches, nil
	case "AuthenticAMD":
		return amdRetiredCondBranches, nil
	}
	return 0, fmt.Errorf("unsupported CPU vendor %q for tick counter", vendor)
}

func cpuVendor() (string, error) {
	buf, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if strings.HasPrefix(line, "vendor_id") {
			if i := strings.IndexByte(line, ':'); i >= 0 {
				return strings.TrimSpace(line[i+1:]), nil
			}
		}
	}
	return "", fmt.Errorf("no vendor_id in /proc/cpuinfo")
}

// Reset zeroes and restarts the counter.
func (c *Counters) Reset() error {
	if err := ioctlNoArg(c.fd, sys.PERF_EVENT_IOC_RESET); err != nil {
		return err
	}
	if !c.started {
		if err := ioctlNoArg(c.fd, sys.PERF_EVENT_IOC_ENABLE); err != nil {
			return err
		}
		c.started = true
	}
	c.saved = 0
	return nil
}

// ReadTicks returns the number of retired conditional branches since
// the last Reset.
func (c *Counters) ReadTicks() (uint64, error) {
	var buf [8]byte
	n, err := sys.Read(c.fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("read ticks for tid %d: %w", c.tid, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("short tick read for tid %d: %d bytes", c.tid, n)
	}
	ticks := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	return ticks + c.saved, nil
}

// ArmTimeslice programs the counter to deliver TicksSignal to the
// task after n more ticks. The current count is folded into saved so
// ReadTicks stays monotonic across re-arming.
func (c *Counters) ArmTimeslice(n uint64) error {
	ticks, err := c.ReadTicks()
	if err != nil {
		return err
	}
	if err := ioctlNoArg(c.fd, sys.PERF_EVENT_IOC_RESET); err != nil {
		return err
	}
	c.saved = ticks
	if err := ioctlUint64(c.fd, sys.PERF_EVENT_IOC_PERIOD, n); err != nil {
		return err
	}
	if err := routeOverflowSignal(c.fd, c.tid, int(TicksSignal)); err != nil {
		return err
	}
	if logflags.Perf() {
		logflags.PerfLogger().Debugf("armed timeslice of %d ticks for tid %d", n, c.tid)
	}
	return nil
}

// Close releases the counter fd.
func (c *Counters) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := sys.Close(c.fd)
	c.fd = -1
	return err
}

// Fd exposes the raw fd, used when passing the counter to a tracee
// via SCM_RIGHTS.
func (c *Counters) Fd() int { return c.fd }

func ioctlNoArg(fd int, req uint) error {
	_, _, errno := sys.Syscall(sys.SYS_IOCTL, uintptr(fd), uintptr(req), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlUint64(fd int, req uint, arg uint64) error {
	v := arg
	_, _, errno := sys.Syscall(sys.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(ptrOf(&v)))
	if errno != 0 {
		return errno
	}
	return nil
}

// routeOverflowSignal makes counter overflow deliver sig to tid
// instead of the default SIGIO-to-owner behaviour.
func routeOverflowSignal(fd, tid, sig int) error {
	if _, err := sys.FcntlInt(uintptr(fd), sys.F_SETFL, sys.O_ASYNC); err != nil {
		return err
	}
	if _, err := sys.FcntlInt(uintptr(fd), sys.F_SETSIG, sig); err != nil {
		return err
	}
	owner := sys.FOwnerEx{Type: sys.F_OWNER_TID, Pid: int32(tid)}
	if err := fcntlFOwnerEx(fd, &owner); err != nil {
		return err
	}
	return nil
}
