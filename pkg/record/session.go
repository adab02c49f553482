package record

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/config"
	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/perf"
	"github.com/go-rerun/rerun/pkg/syscalls"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// virtualTsc hands out monotonically increasing timestamp-counter
// values for virtualized rdtsc. Replay returns the recorded values,
// so the absolute numbers only need to be monotonic.
type virtualTsc struct {
	last uint64
}

func (v *virtualTsc) NextTsc() uint64 {
	v.last += 1000
	return v.last
}

// Session records one tree of tasks into a trace directory.
type Session struct {
	cfg *config.Config

	ptracer *task.Ptracer
	arena   *memory.Arena
	tasks   map[int]*task.Task
	sched   *Scheduler
	writer  *trace.Writer

	tsc virtualTsc

	// initial is the thread-group leader launched by Launch; its
	// exit status becomes rerun's own.
	initial    *task.Task
	exitStatus int

	// exited tracks tasks that have emitted their final frame, for
	// the event-totality invariant.
	exited map[int]bool
}

// Launch starts cmd under ptrace and returns a session ready to
// Record. When useTty is set the tracee's stdio is attached to a
// fresh pty.
func Launch(cfg *config.Config, cmd []string, useTty bool) (*Session, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("no command to record")
	}
	root, err := cfg.TraceDir()
	if err != nil {
		return nil, err
	}
	cwd, _ := os.Getwd()
	writer, err := trace.NewWriter(root, cmd[0], trace.ArgsEnv{
		Argv: cmd,
		Env:  os.Environ(),
		Cwd:  cwd,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		ptracer: task.NewPtracer(),
		arena:   memory.NewArena(),
		tasks:   make(map[int]*task.Task),
		sched:   NewScheduler(cfg.Timeslice()),
		writer:  writer,
		exited:  make(map[int]bool),
	}

	process := exec.Command(cmd[0])
	process.Args = cmd
	if useTty {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, fmt.Errorf("could not allocate pty: %w", err)
		}
		process.Stdin, process.Stdout, process.Stderr = tty, tty, tty
		go func() { io.Copy(os.Stdout, ptmx) }()
	} else {
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
	}
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var startErr error
	s.ptracer.Do(func() {
		// Identical address space layout on record and replay; ASLR
		// would change the ring and mapping addresses between runs.
		oldPersonality, _, errno := syscall.Syscall(sys.SYS_PERSONALITY, personalityGet, 0, 0)
		if errno == 0 {
			syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality|addrNoRandomize, 0, 0)
			defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
		}
		startErr = process.Start()
	})
	if startErr != nil {
		return nil, startErr
	}
	pid := process.Process.Pid

	t, err := s.addTask(pid, pid, nil)
	if err != nil {
		return nil, err
	}
	s.initial = t
	// Consume the execve SIGTRAP stop of the fresh tracee.
	if _, err := t.Wait(); err != nil {
		return nil, err
	}
	if err := t.SetTraceOptions(); err != nil {
		return nil, err
	}
	if err := s.initTracee(t); err != nil {
		return nil, err
	}
	return s, nil
}

// addTask wires a fresh tracee into the session: counters, desched
// event, scheduler registration, address space.
func (s *Session) addTask(tid, tgid int, parentAS *memory.AddressSpace) (*task.Task, error) {
	var as *memory.AddressSpace
	if parentAS != nil {
		as = s.arena.Ref(parentAS.ID)
	} else {
		as = s.arena.Create()
	}
	t := task.New(tid, tgid, as, s.ptracer)
	t.TscSrc = &s.tsc

	var err error
	if t.Ticks, err = perf.Open(tid); err != nil {
		return nil, err
	}
	if err := t.Ticks.Reset(); err != nil {
		return nil, err
	}
	if t.Desched, err = perf.OpenDesched(tid); err != nil {
		return nil, err
	}
	s.tasks[tid] = t
	s.sched.Add(t)
	return t, nil
}

// initTracee performs the one-time setup a fresh thread-group leader
// needs: rdtsc virtualization and no_new_privs (a precondition for the
// seccomp filter installed later). Both are injected with remote
// syscalls while the tracee is stopped at its first trap.
func (s *Session) initTracee(t *task.Task) error {
	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()
	if _, err := remote.SyscallChecked(sys.SYS_PRCTL,
		sys.PR_SET_TSC, sys.PR_TSC_SIGSEGV); err != nil {
		return fmt.Errorf("could not virtualize rdtsc: %w", err)
	}
	if _, err := remote.SyscallChecked(sys.SYS_PRCTL,
		sys.PR_SET_NO_NEW_PRIVS, 1); err != nil {
		return fmt.Errorf("could not set no_new_privs: %w", err)
	}
	// The seccomp filter itself is installed once the shim announces
	// its untraced entry IP (the init pseudo-syscall); until then
	// every syscall traps, which is correct just slower.
	return nil
}

// FindTask looks a task up by tid.
func (s *Session) FindTask(tid int) (*task.Task, bool) {
	t, ok := s.tasks[tid]
	return t, ok
}

// KillAllTasks forcibly terminates the recorded tree.
func (s *Session) KillAllTasks() {
	for _, t := range s.tasks {
		if t.State() != task.Exited {
			sys.Kill(t.Tid, sys.SIGKILL)
		}
	}
}

// TraceStream returns the directory being written.
func (s *Session) TraceStream() string { return s.writer.Dir }

// recordEvent emits one frame carrying the task's current registers
// and tick count. data, if non-nil, is placed in the data stream.
func (s *Session) recordEvent(t *task.Task, ev trace.Event, data []byte) error {
	ticks, err := t.ReadTicks()
	if err != nil {
		return err
	}
	t.TickCount = ticks
	f := trace.Frame{
		Tid:   int32(t.Tid),
		Event: ev,
		Ticks: ticks,
		Regs:  t.Regs,
	}
	if len(data) > 0 {
		off, err := s.writer.WriteData(data)
		if err != nil {
			return err
		}
		f.DataOff, f.DataLen = off, uint32(len(data))
	}
	if len(t.ExtraRegs.Xsave) > 0 {
		off, err := s.writer.WriteData(t.ExtraRegs.Xsave)
		if err != nil {
			return err
		}
		f.ExtraOff, f.ExtraLen = off, uint32(len(t.ExtraRegs.Xsave))
	}
	_, err = s.writer.WriteFrame(&f)
	return err
}

// Record runs the main tracer loop until every task has exited, then
// finishes the trace. The returned status is the initial task's.
func (s *Session) Record() (int, error) {
	defer s.ptracer.Close()
	for {
		t, err := s.sched.Next(false)
		if err != nil {
			return 0, err
		}
		if t == nil {
			if s.liveTasks() == 0 {
				break
			}
			// Everyone is blocked; wait for any child to stop.
			t = s.waitAny()
			if t == nil {
				break
			}
		} else {
			if err := s.resumeTask(t); err != nil {
				if _, gone := err.(task.ErrProcessExited); gone {
					s.reapTask(t, 0)
					continue
				}
				return 0, err
			}
			if _, err := t.Wait(); err != nil {
				return 0, err
			}
		}
		preempt, err := s.dispatchStop(t)
		if err != nil {
			return 0, err
		}
		if preempt {
			if _, err := s.sched.Next(true); err != nil {
				return 0, err
			}
		}
	}
	if err := s.finish(); err != nil {
		return 0, err
	}
	return s.exitStatus, nil
}

func (s *Session) liveTasks() int {
	n := 0
	for _, t := range s.tasks {
		if t.State() != task.Exited {
			n++
		}
	}
	return n
}

// waitAny blocks for a stop from any traced child when no task is
// schedulable, e.g. all blocked in syscalls awaiting desched fires.
func (s *Session) waitAny() *task.Task {
	var ws sys.WaitStatus
	for {
		wpid, err := sys.Wait4(-1, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return nil
		}
		t, ok := s.tasks[wpid]
		if !ok {
			continue
		}
		if _, err := t.DecodeWaitStatus(ws); err != nil {
			return nil
		}
		return t
	}
}

// resumeTask restarts the chosen task with its pending signal, arming
// the timeslice counter when it takes the CPU.
func (s *Session) resumeTask(t *task.Task) error {
	if s.sched.Current() == t {
		if err := s.sched.ArmTimeslice(t); err != nil {
			return err
		}
	}
	sig := t.PendingSig
	t.PendingSig = 0
	// Until the shim announces its untraced entry point there is no
	// seccomp filter; every syscall must stop the old way.
	mode := task.Continue
	if t.UntracedIP == 0 {
		mode = task.Syscall
	}
	return t.Resume(mode, sig)
}

// dispatchStop routes one observed stop to its handler. The returned
// bool requests a scheduler preemption.
func (s *Session) dispatchStop(t *task.Task) (bool, error) {
	st := t.Status()
	switch st.Kind {
	case task.StopExit:
		return true, s.handleExit(t, st)
	case task.StopSeccomp:
		return s.handleTracedSyscall(t)
	case task.StopSyscall:
		// A syscall stop outside the seccomp path: the tail of a
		// traced syscall whose entry was processed, or a PTRACE_CONT
		// overshoot; treat as exit of the in-flight syscall.
		return s.handleSyscallExitStop(t, st)
	case task.StopPtraceEvent:
		return s.handlePtraceEvent(t, st)
	case task.StopSegvRdtsc:
		if err := s.recordEvent(t, trace.Event{Kind: trace.EvSegvRdtsc, SigNo: int(sys.SIGSEGV)}, nil); err != nil {
			return false, err
		}
		return false, nil
	case task.StopSignal:
		return s.handleSignal(t, st)
	}
	return false, fmt.Errorf("task %d: unhandled stop %v", t.Tid, st)
}

// handleExit emits the final frame for a task. Exit through
// exit_group while siblings still run is unstable: the kernel may
// tear the others down without further stops.
func (s *Session) handleExit(t *task.Task, st task.Status) error {
	if s.exited[t.Tid] {
		return nil
	}
	s.exited[t.Tid] = true
	kind := trace.EvExit
	if t.Unstable() {
		kind = trace.EvUnstableExit
	}
	if err := s.recordEvent(t, trace.Event{Kind: kind, ExitStatus: st.Exit}, nil); err != nil {
		return err
	}
	if t == s.initial {
		s.exitStatus = st.Exit
	}
	s.reapTask(t, st.Exit)
	return nil
}

func (s *Session) reapTask(t *task.Task, status int) {
	if !s.exited[t.Tid] {
		// The task died without a final observable stop; uphold
		// event totality with an UNSTABLE_EXIT frame.
		s.exited[t.Tid] = true
		s.recordEvent(t, trace.Event{Kind: trace.EvUnstableExit, ExitStatus: status}, nil)
	}
	s.sched.Remove(t)
	if t.AS != nil {
		s.arena.Unref(t.AS.ID)
	}
	if t.Ticks != nil {
		t.Ticks.Close()
	}
	if t.Desched != nil {
		t.Desched.Close()
	}
	delete(s.tasks, t.Tid)
}

// handlePtraceEvent deals with clone/fork/exec/exit events.
func (s *Session) handlePtraceEvent(t *task.Task, st task.Status) (bool, error) {
	switch st.Event {
	case sys.PTRACE_EVENT_CLONE, sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
		msg, err := t.EventMsg()
		if err != nil {
			return false, err
		}
		newTid := int(msg)
		shareAS := st.Event == sys.PTRACE_EVENT_CLONE
		var parentAS *memory.AddressSpace
		if shareAS {
			parentAS = t.AS
		}
		child, err := s.addTask(newTid, childTgid(t, st.Event, newTid), parentAS)
		if err != nil {
			return false, err
		}
		if !shareAS {
			// Fork duplicates the parent's map.
			for _, m := range t.AS.Mappings() {
				child.AS.Map(m)
			}
		}
		// The child arrives stopped; pick up its first stop so its
		// registers are valid, then leave it runnable.
		if _, err := child.Wait(); err != nil {
			return false, err
		}
		if err := child.SetTraceOptions(); err != nil {
			return false, err
		}
		if logflags.Scheduler() {
			logflags.SchedulerLogger().Debugf("new task %d from %d (%s)", newTid, t.Tid, eventName(st.Event))
		}
		return false, nil
	case sys.PTRACE_EVENT_EXEC:
		// execve atomically replaces the address space.
		t.AS.UnmapAll()
		t.SyscallbufChild = 0
		t.UntracedIP = 0
		return false, s.initTracee(t)
	case sys.PTRACE_EVENT_EXIT:
		msg, _ := t.EventMsg()
		if s.inExitGroup(t) {
			t.MarkUnstable()
		}
		_ = msg
		return false, nil
	}
	return false, nil
}

func childTgid(parent *task.Task, event, newTid int) int {
	if event == sys.PTRACE_EVENT_CLONE {
		return parent.Tgid
	}
	return newTid
}

// inExitGroup reports whether another task of the same thread group
// is already exiting, making this task's teardown unstable.
func (s *Session) inExitGroup(t *task.Task) bool {
	for _, other := range s.tasks {
		if other != t && other.Tgid == t.Tgid && s.exited[other.Tid] {
			return true
		}
	}
	return false
}

func eventName(ev int) string {
	switch ev {
	case sys.PTRACE_EVENT_CLONE:
		return "clone"
	case sys.PTRACE_EVENT_FORK:
		return "fork"
	case sys.PTRACE_EVENT_VFORK:
		return "vfork"
	case sys.PTRACE_EVENT_EXEC:
		return "exec"
	case sys.PTRACE_EVENT_EXIT:
		return "exit"
	}
	return fmt.Sprintf("event-%d", ev)
}

// finish emits the trace-termination pseudo frame and closes the
// container.
func (s *Session) finish() error {
	f := trace.Frame{Event: trace.Event{Kind: trace.EvTraceTermination}}
	if _, err := s.writer.WriteFrame(&f); err != nil {
		return err
	}
	return s.writer.Close()
}

// syscallArch is constant on this build.
const syscallArch = syscalls.X8664

const (
	personalityGet  = 0xffffffff // read-only personality query
	addrNoRandomize = 0x0040000  // ADDR_NO_RANDOMIZE
)
