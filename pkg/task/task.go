package task

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/perf"
)

// State is the task scheduling FSM.
type State int

const (
	Runnable State = iota
	Running
	StoppedBySignal
	AtSyscallEntry
	AtSyscallExit
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case StoppedBySignal:
		return "STOPPED_BY_SIGNAL"
	case AtSyscallEntry:
		return "AT_SYSCALL_ENTRY"
	case AtSyscallExit:
		return "AT_SYSCALL_EXIT"
	case Exited:
		return "EXITED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ResumeMode selects how a stopped task is resumed.
type ResumeMode int

const (
	// Continue resumes until the next stop of interest: a seccomp
	// trap, a signal, or a ptrace event. Untraced syscalls do not
	// stop.
	Continue ResumeMode = iota
	// Syscall resumes to the next syscall boundary; the record path
	// uses it to run a seccomp-trapped syscall to its exit stop.
	Syscall
	// Singlestep executes one instruction.
	Singlestep
	// Sysemu resumes but cancels the next syscall at entry; the
	// tracer synthesizes its effects. The foundation of replay.
	Sysemu
	// SysemuSinglestep combines both.
	SysemuSinglestep
)

// ErrProcessExited is returned by operations on a task whose process
// is gone.
type ErrProcessExited struct {
	Tid    int
	Status int
}

func (e ErrProcessExited) Error() string {
	return fmt.Sprintf("task %d has exited with status %d", e.Tid, e.Status)
}

// Task is the unit of scheduling: one kernel task (thread) under
// ptrace. All fields are owned by the session and mutated only while
// the task is stopped.
type Task struct {
	// Tid is the kernel task id, Tgid its thread group.
	Tid  int
	Tgid int

	// AS is the address space shared by all tasks in the same mm.
	AS *memory.AddressSpace

	// Regs and ExtraRegs are refreshed at every stop.
	Regs      Registers
	ExtraRegs ExtraRegisters

	// PendingSig is the signal to deliver at the next resume, 0 for
	// none.
	PendingSig int

	// Ticks is the retired-conditional-branch counter, Desched the
	// blocking-detection event.
	Ticks   *perf.Counters
	Desched *perf.DeschedEvent

	// SyscallbufChild is the tracee address of the syscall buffer
	// ring, 0 before the shim announces it. UntracedIP is the shim's
	// published untraced syscall entry point.
	SyscallbufChild uint64
	UntracedIP      uint64
	// ScratchPtr points at the task's scratch region for blocked
	// syscall outparams.
	ScratchPtr  uint64
	ScratchSize int

	// TickCount is the tick reading at the last recorded event.
	TickCount uint64

	// DeschedArmed tracks whether the desched event is live, and
	// deschedPseudos counts the expected pseudo-deliveries of SIGIO
	// still to be consumed for the current deschedule.
	DeschedArmed   bool
	deschedPseudos int

	// TscSrc supplies timestamp-counter values when a virtualized
	// rdtsc faults; installed by the owning session.
	TscSrc TscSource

	state  State
	status Status

	// seenSyscallEntry flips at each syscall stop to distinguish
	// entry from exit stops, which the kernel reports identically.
	seenSyscallEntry bool
	lastResume       ResumeMode

	ptracer *Ptracer

	// unstable marks a task whose exit may not produce a final
	// observable stop (exit_group racing siblings).
	unstable bool
}

// New wraps an already-traced kernel task.
func New(tid, tgid int, as *memory.AddressSpace, ptracer *Ptracer) *Task {
	return &Task{
		Tid:     tid,
		Tgid:    tgid,
		AS:      as,
		ptracer: ptracer,
		state:   Runnable,
	}
}

// State returns the task's FSM state.
func (t *Task) State() State { return t.state }

// SetState transitions the FSM. Transitions out of Exited are
// invariant violations.
func (t *Task) SetState(s State) {
	if t.state == Exited && s != Exited {
		panic(fmt.Sprintf("task %d: transition out of EXITED to %v", t.Tid, s))
	}
	t.state = s
}

// MarkUnstable flags the task as exiting unstably; its final stop may
// never be observed.
func (t *Task) MarkUnstable() { t.unstable = true }

// Unstable reports whether the task exit is unstable.
func (t *Task) Unstable() bool { return t.unstable }

// Status returns the stop reason captured by the last Wait.
func (t *Task) Status() Status { return t.status }

// ConsumeDeschedPseudo records one expected pseudo-delivery of the
// desched SIGIO and reports whether it should be silently dropped.
// Two pseudo-deliveries per deschedule are expected.
func (t *Task) ConsumeDeschedPseudo() bool {
	if t.deschedPseudos > 0 {
		t.deschedPseudos--
		return true
	}
	return false
}

// ArmDesched enables the desched event before a may-block syscall.
func (t *Task) ArmDesched() error {
	if t.Desched == nil {
		return nil
	}
	if err := t.Desched.Arm(); err != nil {
		return err
	}
	t.DeschedArmed = true
	t.deschedPseudos = 2
	return nil
}

// DisarmDesched disables the desched event after the syscall returns.
func (t *Task) DisarmDesched() error {
	if t.Desched == nil || !t.DeschedArmed {
		return nil
	}
	t.DeschedArmed = false
	return t.Desched.Disarm()
}

// ReadTicks samples the tick counter.
func (t *Task) ReadTicks() (uint64, error) {
	if t.Ticks == nil {
		return 0, nil
	}
	return t.Ticks.ReadTicks()
}

// Detach releases counters and ptrace attachment.
func (t *Task) Detach() {
	if t.Ticks != nil {
		t.Ticks.Close()
	}
	if t.Desched != nil {
		t.Desched.Close()
	}
	t.ptracer.Do(func() {
		sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_DETACH), uintptr(t.Tid), 0, 0, 0, 0)
	})
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (tg %d, %v)", t.Tid, t.Tgid, t.state)
}
