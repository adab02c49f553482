package task

import (
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-rerun/rerun/pkg/logflags"
)

// StopKind classifies why a task stopped.
type StopKind int

const (
	StopNone StopKind = iota
	// StopSyscall is a syscall-entry or syscall-exit stop.
	StopSyscall
	// StopSignal is a signal-delivery or group stop.
	StopSignal
	// StopExit means the task is gone; Status.Exit holds the status.
	StopExit
	// StopPtraceEvent is a PTRACE_EVENT_* stop; Status.Event holds
	// which.
	StopPtraceEvent
	// StopSeccomp is a PTRACE_EVENT_SECCOMP trap on a traced syscall.
	StopSeccomp
	// StopSegvRdtsc is a deterministic SIGSEGV from a virtualized
	// rdtsc, already emulated in place.
	StopSegvRdtsc
)

// Status is the decoded result of a Wait.
type Status struct {
	Kind StopKind
	// Sig is the stopping/terminating signal for StopSignal stops.
	Sig syscall.Signal
	// SyscallEntry distinguishes entry from exit at StopSyscall.
	SyscallEntry bool
	// Exit is the exit status for StopExit.
	Exit int
	// Event is the PTRACE_EVENT_* code for StopPtraceEvent.
	Event int
	// Siginfo is populated at signal stops.
	Siginfo *sys.Siginfo
	// Group marks a ptrace group-stop, as opposed to
	// signal-delivery-stop.
	Group bool
}

func (s Status) String() string {
	switch s.Kind {
	case StopSyscall:
		if s.SyscallEntry {
			return "SYSCALL(enter)"
		}
		return "SYSCALL(exit)"
	case StopSignal:
		return fmt.Sprintf("SIGNAL(%d)", s.Sig)
	case StopExit:
		return fmt.Sprintf("EXIT(%d)", s.Exit)
	case StopPtraceEvent:
		return fmt.Sprintf("PTRACE_EVENT(%d)", s.Event)
	case StopSeccomp:
		return "SECCOMP"
	case StopSegvRdtsc:
		return "SEGV_RDTSC"
	}
	return "NONE"
}

// TraceOptions are set on every freshly attached task.
const TraceOptions = sys.PTRACE_O_TRACESYSGOOD |
	sys.PTRACE_O_TRACECLONE |
	sys.PTRACE_O_TRACEFORK |
	sys.PTRACE_O_TRACEVFORK |
	sys.PTRACE_O_TRACEEXEC |
	sys.PTRACE_O_TRACEEXIT |
	sys.PTRACE_O_TRACESECCOMP

// SetTraceOptions applies TraceOptions to the task.
func (t *Task) SetTraceOptions() error {
	var err error
	t.ptracer.Do(func() { err = ptraceSetOptions(t.Tid, TraceOptions) })
	if err != nil {
		return fmt.Errorf("could not set ptrace options for task %d: %w", t.Tid, err)
	}
	return nil
}

// Resume restarts a stopped task. sig, if nonzero, is delivered on
// the way back into the tracee.
func (t *Task) Resume(mode ResumeMode, sig int) error {
	if t.state == Exited {
		return ErrProcessExited{Tid: t.Tid}
	}
	var err error
	t.ptracer.Do(func() {
		switch mode {
		case Continue:
			err = ptraceCont(t.Tid, sig)
		case Syscall:
			err = ptraceSyscall(t.Tid, sig)
		case Singlestep:
			err = ptraceSingleStep(t.Tid, sig)
		case Sysemu:
			err = ptraceSysemuResume(t.Tid, sig, false)
		case SysemuSinglestep:
			err = ptraceSysemuResume(t.Tid, sig, true)
		}
	})
	t.lastResume = mode
	if err != nil {
		if err == sys.ESRCH {
			t.state = Exited
			return ErrProcessExited{Tid: t.Tid}
		}
		return fmt.Errorf("resume of task %d failed: %w", t.Tid, err)
	}
	t.state = Running
	if logflags.Task() {
		logflags.TaskLogger().Debugf("resumed %s mode=%d sig=%d", t, mode, sig)
	}
	return nil
}

// Wait blocks until the task next stops, then refreshes registers,
// extra registers and the tick sample, and decodes the stop reason.
func (t *Task) Wait() (Status, error) {
	var ws sys.WaitStatus
	for {
		wpid, err := sys.Wait4(t.Tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return Status{}, fmt.Errorf("wait on task %d: %w", t.Tid, err)
		}
		if wpid == t.Tid {
			break
		}
	}
	return t.decodeWait(ws)
}

// WaitNohang polls for a stop without blocking. The bool result
// reports whether a stop was consumed.
func (t *Task) WaitNohang() (Status, bool, error) {
	var ws sys.WaitStatus
	wpid, err := sys.Wait4(t.Tid, &ws, sys.WALL|sys.WNOHANG, nil)
	if err != nil {
		return Status{}, false, fmt.Errorf("wait on task %d: %w", t.Tid, err)
	}
	if wpid == 0 {
		return Status{}, false, nil
	}
	st, err := t.decodeWait(ws)
	return st, true, err
}

// DecodeWaitStatus ingests a wait status collected by a session-wide
// wait loop instead of the task's own Wait.
func (t *Task) DecodeWaitStatus(ws sys.WaitStatus) (Status, error) {
	return t.decodeWait(ws)
}

func (t *Task) decodeWait(ws sys.WaitStatus) (Status, error) {
	if ws.Exited() {
		t.state = Exited
		t.status = Status{Kind: StopExit, Exit: ws.ExitStatus()}
		return t.status, nil
	}
	if ws.Signaled() {
		t.state = Exited
		t.status = Status{Kind: StopExit, Exit: 128 + int(ws.Signal()), Sig: ws.Signal()}
		return t.status, nil
	}
	if !ws.Stopped() {
		return Status{}, fmt.Errorf("task %d: unexpected wait status %#x", t.Tid, uint32(ws))
	}

	if err := t.refreshRegisters(); err != nil {
		return Status{}, err
	}

	sig := ws.StopSignal()
	cause := ws.TrapCause()

	st := Status{}
	switch {
	case sig == sys.SIGTRAP|0x80:
		// TRACESYSGOOD marks syscall stops by setting bit 7. Under
		// SYSEMU every syscall stop is an entry; otherwise stops
		// alternate with the seccomp trap standing in for the entry.
		if t.lastResume == Sysemu || t.lastResume == SysemuSinglestep {
			t.seenSyscallEntry = true
		} else {
			t.seenSyscallEntry = !t.seenSyscallEntry
		}
		st = Status{Kind: StopSyscall, SyscallEntry: t.seenSyscallEntry}
		if st.SyscallEntry {
			t.state = AtSyscallEntry
		} else {
			t.state = AtSyscallExit
		}
	case sig == sys.SIGTRAP && cause == ptraceEventSeccomp:
		st = Status{Kind: StopSeccomp}
		t.state = AtSyscallEntry
		// A seccomp trap precedes the syscall-entry stop; the next
		// syscall stop observed will be the exit.
		t.seenSyscallEntry = true
	case sig == sys.SIGTRAP && cause > 0:
		st = Status{Kind: StopPtraceEvent, Event: cause}
		t.state = StoppedBySignal
	default:
		si, _ := t.getSiginfo()
		group := si == nil || isGroupStop(si, sig)
		st = Status{Kind: StopSignal, Sig: sig, Siginfo: si, Group: group}
		t.state = StoppedBySignal
		if sig == sys.SIGSEGV && si != nil {
			if done, err := t.maybeEmulateRdtsc(si); err != nil {
				return Status{}, err
			} else if done {
				st.Kind = StopSegvRdtsc
			}
		}
	}
	t.status = st
	if logflags.Task() {
		logflags.TaskLogger().Debugf("%s stopped: %s ip=%#x", t, st, t.Regs.IP())
	}
	return st, nil
}

func (t *Task) refreshRegisters() error {
	var err error
	t.ptracer.Do(func() { err = ptraceGetRegs(t.Tid, &t.Regs.PtraceRegs) })
	if err != nil {
		return fmt.Errorf("could not read registers of task %d: %w", t.Tid, err)
	}
	if cap(t.ExtraRegs.Xsave) < xsaveAreaSize {
		t.ExtraRegs.Xsave = make([]byte, xsaveAreaSize)
	}
	t.ExtraRegs.Xsave = t.ExtraRegs.Xsave[:xsaveAreaSize]
	var n int
	t.ptracer.Do(func() { n, err = ptraceGetXstate(t.Tid, t.ExtraRegs.Xsave) })
	if err != nil {
		return fmt.Errorf("could not read xstate of task %d: %w", t.Tid, err)
	}
	t.ExtraRegs.Xsave = t.ExtraRegs.Xsave[:n]
	return nil
}

// SetRegisters writes the current value of t.Regs back to the task.
func (t *Task) SetRegisters() error {
	var err error
	t.ptracer.Do(func() { err = ptraceSetRegs(t.Tid, &t.Regs.PtraceRegs) })
	if err != nil {
		return fmt.Errorf("could not write registers of task %d: %w", t.Tid, err)
	}
	return nil
}

// SetExtraRegisters writes the xsave area back to the task.
func (t *Task) SetExtraRegisters() error {
	var err error
	t.ptracer.Do(func() { err = ptraceSetXstate(t.Tid, t.ExtraRegs.Xsave) })
	if err != nil {
		return fmt.Errorf("could not write xstate of task %d: %w", t.Tid, err)
	}
	return nil
}

func (t *Task) getSiginfo() (*sys.Siginfo, error) {
	var (
		si  *sys.Siginfo
		err error
	)
	t.ptracer.Do(func() { si, err = ptraceGetSiginfo(t.Tid) })
	return si, err
}

// SetSiginfo overwrites the pending siginfo of a signal-stopped task.
func (t *Task) SetSiginfo(si *sys.Siginfo) error {
	var err error
	t.ptracer.Do(func() { err = ptraceSetSiginfo(t.Tid, si) })
	return err
}

// EventMsg fetches the PTRACE_EVENT message (the new tid for
// clone/fork events, the exit status for exit events).
func (t *Task) EventMsg() (uint, error) {
	var (
		msg uint
		err error
	)
	t.ptracer.Do(func() { msg, err = ptraceGetEventMsg(t.Tid) })
	return msg, err
}

// CancelSyscall rewrites the pending syscall number to -1 at a
// syscall-entry stop, preventing the kernel from executing it. The
// caller then synthesizes the return value at exit.
func (t *Task) CancelSyscall() error {
	if t.state != AtSyscallEntry {
		panic(fmt.Sprintf("task %d: CancelSyscall outside syscall entry (%v)", t.Tid, t.state))
	}
	t.Regs.SetSyscallNo(-1)
	return t.SetRegisters()
}

// isGroupStop distinguishes ptrace group-stops from
// signal-delivery-stops: for a group stop the kernel reports the
// siginfo of the stopping signal with si_code SI_KERNEL semantics
// unavailable, so the canonical test is PTRACE_GETSIGINFO failing;
// here it succeeded, so compare the delivered signal.
func isGroupStop(si *sys.Siginfo, sig syscall.Signal) bool {
	return si.Signo != int32(sig)
}

// RdtscInsnLen is the length of the rdtsc instruction.
const RdtscInsnLen = 2

// TscSource supplies timestamp-counter values for virtualized rdtsc.
// During record it is the session's virtual TSC; during replay it
// returns recorded values.
type TscSource interface {
	NextTsc() uint64
}

// FixedTsc satisfies TscSource. maybeEmulateRdtsc reads from the
// task's TscSrc, which sessions install before resuming tasks.
var _ TscSource = (*FixedTsc)(nil)

// FixedTsc returns pre-set values in order, then 0.
type FixedTsc struct {
	Values []uint64
	i      int
}

func (f *FixedTsc) NextTsc() uint64 {
	if f.i >= len(f.Values) {
		return 0
	}
	v := f.Values[f.i]
	f.i++
	return v
}

// maybeEmulateRdtsc checks whether the SIGSEGV at the current IP is a
// virtualized rdtsc (PR_SET_TSC=PR_TSC_SIGSEGV) and, if so, loads the
// next TSC value into EDX:EAX and advances the instruction pointer
// over the instruction.
func (t *Task) maybeEmulateRdtsc(si *sys.Siginfo) (bool, error) {
	if t.TscSrc == nil {
		return false, nil
	}
	code := make([]byte, 16)
	n, err := t.ReadMemory(code, uintptr(t.Regs.IP()))
	if err != nil || n < RdtscInsnLen {
		return false, nil
	}
	insn, err := x86asm.Decode(code[:n], 64)
	if err != nil || insn.Op != x86asm.RDTSC {
		return false, nil
	}
	t.Regs.SetTsc(t.TscSrc.NextTsc())
	t.Regs.SetIP(t.Regs.IP() + RdtscInsnLen)
	if err := t.SetRegisters(); err != nil {
		return false, err
	}
	return true, nil
}

const ptraceEventSeccomp = 7 // PTRACE_EVENT_SECCOMP
