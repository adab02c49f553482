// Package diversion implements speculative execution during replay: a
// debugger may drive tracees down paths that diverge from the
// recorded trace (evaluate a function call, poke memory) against the
// live kernel, then discard everything.
package diversion

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/task"
)

// blacklisted syscalls carry namespaced identifiers that differ
// between record and replay; executing them could shoot down live
// processes outside the tracee tree. They return success without
// running.
var blacklisted = map[int]bool{
	sys.SYS_KILL:              true,
	sys.SYS_TGKILL:            true,
	sys.SYS_TKILL:             true,
	sys.SYS_RT_SIGQUEUEINFO:   true,
	sys.SYS_RT_TGSIGQUEUEINFO: true,
	sysIpc:                    true,
}

// SYS_ipc exists only on 32-bit ABIs; keep the number for traces that
// carry it.
const sysIpc = 117

// Session is a short-lived diversion, cloned from a replay session on
// debugger command. It owns no tasks; it borrows the replay tree and
// steers it live. The replay driver holds the only reference to the
// active diversion and passes it explicitly — there is no process
// wide slot.
type Session struct {
	// FindTask resolves tids against the owning replay session.
	FindTask func(tid int) (*task.Task, bool)

	// refcount counts debugger siginfo reads minus writes; the
	// diversion dies when it reaches zero at the next resume.
	refcount int

	finished bool
}

// New starts a diversion over the given task resolver with one
// reference.
func New(find func(tid int) (*task.Task, bool)) *Session {
	return &Session{FindTask: find, refcount: 1}
}

// Active reports whether the diversion is still alive.
func (s *Session) Active() bool { return !s.finished }

// Ref is called when the debugger reads siginfo (READ_SIGINFO).
func (s *Session) Ref() { s.refcount++ }

// Unref is called when the debugger writes siginfo (WRITE_SIGINFO).
func (s *Session) Unref() { s.refcount-- }

// CheckFinished applies the refcount rule at resume time: when the
// count has dropped to zero the diversion retires before the task
// runs again.
func (s *Session) CheckFinished() bool {
	if s.refcount <= 0 {
		s.finished = true
	}
	return s.finished
}

// Resume continues a diversion task live, intercepting each syscall
// entry for the blacklist and the desched ioctl emulation.
func (s *Session) Resume(t *task.Task, sig int) error {
	if s.CheckFinished() {
		return fmt.Errorf("diversion finished")
	}
	for {
		if err := t.Resume(task.Syscall, sig); err != nil {
			return err
		}
		sig = 0
		st, err := t.Wait()
		if err != nil {
			return err
		}
		switch st.Kind {
		case task.StopSyscall, task.StopSeccomp:
			if !st.SyscallEntry && st.Kind == task.StopSyscall {
				continue
			}
			proceed, err := s.enterSyscall(t)
			if err != nil {
				return err
			}
			if !proceed {
				continue
			}
		case task.StopSignal:
			if st.Sig == sys.SIGTRAP {
				// Breakpoint or single-step completion: back to the
				// debugger.
				return nil
			}
			sig = int(st.Sig)
		case task.StopExit:
			s.finished = true
			return nil
		default:
			return nil
		}
	}
}

// enterSyscall vets one syscall entry. Returns false when the syscall
// was emulated away and the task should simply continue.
func (s *Session) enterSyscall(t *task.Task) (bool, error) {
	no := t.Regs.SyscallNo()

	if blacklisted[no] {
		if logflags.Diversion() {
			logflags.DiversionLogger().Debugf("task %d: suppressing %d", t.Tid, no)
		}
		return false, s.emulateWithResult(t, 0)
	}
	if no == sys.SYS_IOCTL && s.isDeschedIoctl(t) {
		// The shim expects its arm/disarm ioctls to succeed; fudge 0.
		return false, s.emulateWithResult(t, 0)
	}
	return true, nil
}

// isDeschedIoctl recognizes the shim's perf arm/disarm calls by
// request number.
func (s *Session) isDeschedIoctl(t *task.Task) bool {
	req := t.Regs.SyscallArgs()[1]
	return req == sys.PERF_EVENT_IOC_ENABLE || req == sys.PERF_EVENT_IOC_DISABLE
}

// emulateWithResult cancels the pending syscall and synthesizes ret.
func (s *Session) emulateWithResult(t *task.Task, ret int64) error {
	if err := t.CancelSyscall(); err != nil {
		return err
	}
	if err := t.Resume(task.Syscall, 0); err != nil {
		return err
	}
	if _, err := t.Wait(); err != nil {
		return err
	}
	t.Regs.SetSyscallResult(ret)
	return t.SetRegisters()
}
