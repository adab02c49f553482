package replay

import (
	"fmt"
	"io"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/syscallbuf"
	"github.com/go-rerun/rerun/pkg/syscalls"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// taskStepper adapts a live task to the landing algorithm.
type taskStepper struct {
	t *task.Task
}

func (ts taskStepper) ReadTicks() (uint64, error) { return ts.t.ReadTicks() }
func (ts taskStepper) IP() uint64                 { return ts.t.Regs.IP() }
func (ts taskStepper) ExtraRegs() []byte          { return ts.t.ExtraRegs.Xsave }

func (ts taskStepper) RunWithInterrupt(n uint64) error {
	if ts.t.Ticks != nil {
		if err := ts.t.Ticks.ArmTimeslice(n); err != nil {
			return err
		}
	}
	if err := ts.t.Resume(task.Continue, 0); err != nil {
		return err
	}
	_, err := ts.t.Wait()
	return err
}

func (ts taskStepper) Step() error {
	if err := ts.t.Resume(task.Singlestep, 0); err != nil {
		return err
	}
	_, err := ts.t.Wait()
	return err
}

// Driver replays the frame sequence against the live tracee tree.
type Driver struct {
	s     *Session
	slack uint64

	// Hook invoked after each applied frame when set; the debugger
	// does not set it.
	OnFrame func(f *trace.Frame, t *task.Task)
}

// NewDriver wraps a session.
func NewDriver(s *Session, slack uint64) *Driver {
	return &Driver{s: s, slack: slack}
}

// Run replays frames until the trace ends. Divergence aborts with
// ErrDiverged.
func (d *Driver) Run() error {
	for {
		f, err := d.s.reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.ApplyFrame(&f); err != nil {
			return err
		}
	}
}

// ApplyFrame advances the tracee tree by one recorded frame.
func (d *Driver) ApplyFrame(f *trace.Frame) error {
	if f.Event.Kind == trace.EvTraceTermination {
		return nil
	}
	t, ok := d.s.TaskFor(f.Tid)
	if !ok {
		return fmt.Errorf("frame %d names unknown task %d", f.GlobalTime, f.Tid)
	}
	if logflags.Replay() {
		logflags.ReplayLogger().Debugf("applying %s to task %d", f, t.Tid)
	}

	var err error
	switch f.Event.Kind {
	case trace.EvSyscall:
		if f.Event.Entry {
			// Entry frames carry the pre-syscall register state; the
			// work happens when the exit frame arrives.
			err = d.emulateSyscallEntry(t, f)
		} else {
			err = d.emulateSyscallExit(t, f)
		}
	case trace.EvSched:
		err = d.landOn(t, f)
	case trace.EvSignal:
		err = d.deliverSignal(t, f)
	case trace.EvSegvRdtsc:
		err = d.replayRdtsc(t, f)
	case trace.EvSyscallbufFlush:
		err = d.refillSyscallbuf(t, f)
	case trace.EvSyscallbufReset:
		if t.SyscallbufChild != 0 {
			err = syscallbuf.Reset(t, t.SyscallbufChild)
		}
	case trace.EvSyscallbufAbortCommit:
		if t.SyscallbufChild != 0 {
			err = syscallbuf.SetAbortCommit(t, t.SyscallbufChild)
		}
	case trace.EvDesched:
		// The desched ioctls ran through the untraced entry at
		// record time; nothing reaches the kernel during replay.
	case trace.EvExit, trace.EvUnstableExit:
		err = d.replayExit(t, f)
	default:
		return fmt.Errorf("frame %d: unhandled event %v", f.GlobalTime, f.Event.Kind)
	}
	if err != nil {
		return err
	}
	if d.OnFrame != nil {
		d.OnFrame(f, t)
	}
	return nil
}

// landOn steps the task to the frame's recorded (ip, ticks, extra)
// tuple and verifies register equality.
func (d *Driver) landOn(t *task.Task, f *trace.Frame) error {
	extra, err := d.s.reader.ExtraData(f)
	if err != nil {
		return err
	}
	target := Target{IP: f.Regs.IP(), Ticks: f.Ticks, Extra: extra}
	if err := LandExact(taskStepper{t}, target, d.slack); err != nil {
		return err
	}
	return d.checkRegisters(t, f)
}

// checkRegisters enforces the record/replay equivalence invariant:
// after applying frame F the live registers equal the recorded ones
// bit for bit.
func (d *Driver) checkRegisters(t *task.Task, f *trace.Frame) error {
	if !t.Regs.Equal(&f.Regs) {
		return ErrDiverged{
			Want:   Target{IP: f.Regs.IP(), Ticks: f.Ticks},
			GotIP:  t.Regs.IP(),
			GotTks: t.TickCount,
		}
	}
	return nil
}

// replayInitBuffer services the shim's init pseudo-syscall during
// replay: the ring and scratch regions are mapped exactly as at
// record time (ASLR is off, so the kernel hands back the same
// addresses), and the shim learns it is replaying from the returned
// ring address like before. The shim's wrapper sequence then consumes
// refilled ring contents instead of issuing real syscalls.
func (d *Driver) replayInitBuffer(t *task.Task) error {
	args := t.Regs.SyscallArgs()
	t.UntracedIP = args[0]

	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()

	ring, err := remote.SyscallChecked(sys.SYS_MMAP, 0, syscallbuf.BufferSize,
		uint64(sys.PROT_READ|sys.PROT_WRITE), uint64(sys.MAP_ANONYMOUS|sys.MAP_SHARED), ^uint64(0), 0)
	if err != nil {
		return fmt.Errorf("could not map replay ring: %w", err)
	}
	t.SyscallbufChild = uint64(ring)
	scratch, err := remote.SyscallChecked(sys.SYS_MMAP, 0, replayScratchSize,
		uint64(sys.PROT_READ|sys.PROT_WRITE), uint64(sys.MAP_ANONYMOUS|sys.MAP_PRIVATE), ^uint64(0), 0)
	if err != nil {
		return fmt.Errorf("could not map replay scratch: %w", err)
	}
	t.ScratchPtr = uint64(scratch)
	t.ScratchSize = replayScratchSize

	t.Regs.SetSyscallNo(-1)
	if err := t.SetRegisters(); err != nil {
		return err
	}
	if err := t.Resume(task.Syscall, 0); err != nil {
		return err
	}
	if _, err := t.Wait(); err != nil {
		return err
	}
	t.Regs.SetSyscallResult(ring)
	return t.SetRegisters()
}

const replayScratchSize = 512 * 1024

// realExecution lists the syscalls replay must actually run: they
// create or destroy kernel objects the emulation cannot fake.
func realExecution(no int) bool {
	switch no {
	case sys.SYS_CLONE, sys.SYS_FORK, sys.SYS_VFORK, sys.SYS_EXECVE,
		sys.SYS_EXIT, sys.SYS_EXIT_GROUP:
		return true
	}
	return false
}

// emulateSyscallEntry runs the task to its next syscall entry under
// SYSEMU so the kernel never executes the recorded syscall. Syscalls
// in the realExecution set run for real instead.
func (d *Driver) emulateSyscallEntry(t *task.Task, f *trace.Frame) error {
	mode := task.Sysemu
	if realExecution(f.Event.SyscallNo) {
		mode = task.Syscall
	}
	for {
		if err := t.Resume(mode, 0); err != nil {
			return err
		}
		st, err := t.Wait()
		if err != nil {
			return err
		}
		switch st.Kind {
		case task.StopSyscall, task.StopSeccomp:
			if t.Regs.SyscallNo() == syscallbuf.InitSyscall {
				if err := d.replayInitBuffer(t); err != nil {
					return err
				}
				continue
			}
			return nil
		case task.StopSegvRdtsc:
			// Stale rdtsc faults are impossible here: values are
			// queued by SEGV_RDTSC frames. Anything else diverged.
			return ErrDiverged{Want: Target{IP: f.Regs.IP(), Ticks: f.Ticks},
				GotIP: t.Regs.IP(), GotTks: t.TickCount}
		case task.StopSignal:
			if st.Sig == sys.SIGTRAP || st.Sig == sys.SIGSTOP {
				continue
			}
			return fmt.Errorf("task %d: unexpected signal %d replaying syscall entry", t.Tid, st.Sig)
		case task.StopExit:
			return task.ErrProcessExited{Tid: t.Tid, Status: st.Exit}
		default:
			continue
		}
	}
}

// emulateSyscallExit applies a recorded syscall's effects: outparam
// bytes into tracee memory, the recorded register file (return value
// included) into the task. mmap family syscalls additionally
// re-create their mappings, through EmuFs for shared files.
func (d *Driver) emulateSyscallExit(t *task.Task, f *trace.Frame) error {
	no := f.Event.SyscallNo
	args := f.Regs.SyscallArgs()
	ret := f.Regs.SyscallResult()

	if no == sys.SYS_CLONE || no == sys.SYS_FORK || no == sys.SYS_VFORK {
		if err := d.replayClone(t, f); err != nil {
			return err
		}
	}

	payload, err := d.s.reader.Data(f)
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		if rule, ok := syscalls.Outparam(no); ok && rule.Arg > 0 {
			addr := args[rule.Arg-1]
			if addr != 0 {
				if _, err := t.WriteMemory(uintptr(addr), payload); err != nil {
					return fmt.Errorf("could not write outparams of %s: %w", syscalls.Name(no), err)
				}
			}
		}
	}

	switch no {
	case sys.SYS_MMAP:
		if ret >= 0 {
			if err := d.replayMmap(t, args, uint64(ret)); err != nil {
				return err
			}
		}
	case sys.SYS_MUNMAP:
		if ret == 0 {
			if err := d.replayMunmap(t, args[0], args[1]); err != nil {
				return err
			}
		}
	case sys.SYS_MPROTECT:
		if ret == 0 {
			t.AS.Protect(args[0], args[0]+args[1], int(args[2]))
			remote, err := t.RemoteSyscalls()
			if err != nil {
				return err
			}
			if _, err := remote.Syscall(sys.SYS_MPROTECT, args[0], args[1], args[2]); err != nil {
				remote.Restore()
				return err
			}
			if err := remote.Restore(); err != nil {
				return err
			}
		}
	}

	// Install the recorded register state wholesale; this sets the
	// synthesized return value and restores the clobbered scratch
	// registers in one step.
	t.Regs = f.Regs
	if err := t.SetRegisters(); err != nil {
		return err
	}
	extra, err := d.s.reader.ExtraData(f)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		t.ExtraRegs.Xsave = extra
		if err := t.SetExtraRegisters(); err != nil {
			return err
		}
	}
	return nil
}

// replayClone waits out the PTRACE_EVENT the real clone raised, wires
// the live child into the session and binds its recorded tid. The
// recorded return value is installed afterwards like any other
// syscall result, so the tracee observes record-time tids.
func (d *Driver) replayClone(t *task.Task, f *trace.Frame) error {
	recordedChild := int32(f.Regs.SyscallResult())
	if recordedChild <= 0 {
		return nil
	}
	st := t.Status()
	for st.Kind != task.StopPtraceEvent {
		if err := t.Resume(task.Syscall, 0); err != nil {
			return err
		}
		var err error
		if st, err = t.Wait(); err != nil {
			return err
		}
		if st.Kind == task.StopExit {
			return task.ErrProcessExited{Tid: t.Tid, Status: st.Exit}
		}
	}
	msg, err := t.EventMsg()
	if err != nil {
		return err
	}
	liveTid := int(msg)
	var parentAS *memory.AddressSpace
	tgid := liveTid
	if st.Event == sys.PTRACE_EVENT_CLONE {
		parentAS = t.AS
		tgid = t.Tgid
	}
	child, err := d.s.addTask(liveTid, tgid, parentAS)
	if err != nil {
		return err
	}
	if parentAS == nil {
		for _, m := range t.AS.Mappings() {
			child.AS.Map(m)
		}
	}
	if _, err := child.Wait(); err != nil {
		return err
	}
	if err := child.SetTraceOptions(); err != nil {
		return err
	}
	d.s.BindTid(recordedChild, liveTid)
	// Run the parent to its syscall-exit stop so the recorded
	// registers can be installed there.
	if err := t.Resume(task.Syscall, 0); err != nil {
		return err
	}
	if _, err := t.Wait(); err != nil {
		return err
	}
	return nil
}

// replayMmap re-creates a recorded mapping in the replay tracee. The
// recorded address is forced with MAP_FIXED; shared file mappings go
// through EmuFs so no record-time file is touched.
func (d *Driver) replayMmap(t *task.Task, args [6]uint64, addr uint64) error {
	length := args[1]
	prot := args[2]
	flags := int(args[3])

	const (
		mapShared    = 0x01
		mapAnonymous = 0x20
		mapFixed     = 0x10
	)

	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()

	m := memory.Mapping{
		Start: addr, End: addr + pageAlign(length),
		Prot: int(prot), Flags: flags, Offset: args[5],
	}

	if flags&mapAnonymous != 0 && flags&mapShared == 0 {
		if _, err := remote.SyscallChecked(sys.SYS_MMAP, addr, length, prot,
			uint64(flags|mapFixed), ^uint64(0), 0); err != nil {
			return fmt.Errorf("could not replay anonymous mmap at %#x: %w", addr, err)
		}
		t.AS.Map(m)
		return nil
	}

	// Shared anonymous memory and file mappings both get EmuFs
	// backing: writes must be visible to sharing tasks but never to
	// real files.
	rec := d.mappingRecordFor(t, addr)
	key := memory.EmuKey{Device: rec.Device, Inode: rec.Inode, Size: pageAlign(length) + args[5]}
	emu, err := d.s.emufs.GetOrCreate(key, rec.Fsname)
	if err != nil {
		return err
	}
	remoteFd, err := d.sendFdToTracee(t, remote, int(emu.File.Fd()))
	if err != nil {
		return err
	}
	if _, err := remote.SyscallChecked(sys.SYS_MMAP, addr, length, prot,
		uint64((flags&^mapAnonymous)|mapFixed|mapShared), uint64(remoteFd), args[5]); err != nil {
		return fmt.Errorf("could not replay shared mmap at %#x: %w", addr, err)
	}
	remote.Syscall(sys.SYS_CLOSE, uint64(remoteFd))
	m.Device, m.Inode, m.Fsname = rec.Device, rec.Inode, rec.Fsname
	t.AS.Map(m)
	return nil
}

// mappingRecordFor finds the recorded mapping description covering
// addr, for backing-file identity.
func (d *Driver) mappingRecordFor(t *task.Task, addr uint64) memory.Mapping {
	recs, err := d.s.reader.Mappings()
	if err != nil {
		return memory.Mapping{Start: addr}
	}
	for _, r := range recs {
		if r.Map.Start <= addr && addr < r.Map.End {
			return r.Map
		}
	}
	return memory.Mapping{Start: addr}
}

func (d *Driver) replayMunmap(t *task.Task, start, length uint64) error {
	for _, m := range t.AS.MappingsInRange(start, start+length) {
		if m.Device != 0 || m.Inode != 0 {
			d.s.emufs.Unref(memory.EmuKey{Device: m.Device, Inode: m.Inode, Size: m.Offset + m.Size()})
		}
	}
	t.AS.Unmap(start, start+length)
	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()
	_, err = remote.Syscall(sys.SYS_MUNMAP, start, length)
	return err
}

// sendFdToTracee opens the tracer-side fd inside the tracee via
// /proc/self/fd of the tracer, which the tracee can openat because
// they share no namespace boundary here.
func (d *Driver) sendFdToTracee(t *task.Task, remote *task.RemoteSyscalls, fd int) (int, error) {
	path := fmt.Sprintf("/proc/%d/fd/%d", sys.Getpid(), fd)
	buf := append([]byte(path), 0)
	if _, err := t.WriteMemory(uintptr(t.ScratchPtr), buf); err != nil {
		// No scratch yet: borrow the stack red zone.
		sp := t.Regs.SP() - 256
		if _, err := t.WriteMemory(uintptr(sp), buf); err != nil {
			return -1, err
		}
		ret, err := remote.SyscallChecked(sys.SYS_OPEN, sp, uint64(sys.O_RDWR), 0)
		return int(ret), err
	}
	ret, err := remote.SyscallChecked(sys.SYS_OPEN, t.ScratchPtr, uint64(sys.O_RDWR), 0)
	return int(ret), err
}

// deliverSignal lands on the recorded delivery point (asynchronous
// signals) or runs to the deterministic fault, then injects the
// signal with the recorded siginfo.
func (d *Driver) deliverSignal(t *task.Task, f *trace.Frame) error {
	if f.Event.Deterministic {
		// The fault recurs by construction; continue to it.
		if err := t.Resume(task.Continue, 0); err != nil {
			return err
		}
		st, err := t.Wait()
		if err != nil {
			return err
		}
		if st.Kind != task.StopSignal || int(st.Sig) != f.Event.SigNo {
			return ErrDiverged{Want: Target{IP: f.Regs.IP(), Ticks: f.Ticks},
				GotIP: t.Regs.IP(), GotTks: t.TickCount}
		}
	} else {
		if err := d.landOn(t, f); err != nil {
			return err
		}
	}
	t.PendingSig = f.Event.SigNo
	return nil
}

// replayRdtsc queues the recorded TSC value; the fault recurs when
// the task resumes and the step primitive emulates it in place.
func (d *Driver) replayRdtsc(t *task.Task, f *trace.Frame) error {
	d.s.tsc.push(f.Regs.Rdx<<32 | f.Regs.Rax&0xffffffff)
	if err := t.Resume(task.Continue, 0); err != nil {
		return err
	}
	st, err := t.Wait()
	if err != nil {
		return err
	}
	if st.Kind != task.StopSegvRdtsc {
		return ErrDiverged{Want: Target{IP: f.Regs.IP(), Ticks: f.Ticks},
			GotIP: t.Regs.IP(), GotTks: t.TickCount}
	}
	return d.checkRegisters(t, f)
}

// refillSyscallbuf copies the recorded ring contents into the tracee;
// the shim then replays its own wrapper sequence against them.
func (d *Driver) refillSyscallbuf(t *task.Task, f *trace.Frame) error {
	payload, err := d.s.reader.Data(f)
	if err != nil {
		return err
	}
	if t.SyscallbufChild == 0 {
		return fmt.Errorf("frame %d flushes a ring task %d never announced", f.GlobalTime, t.Tid)
	}
	return syscallbuf.Restore(t, t.SyscallbufChild, payload)
}

// replayExit runs the task to its death.
func (d *Driver) replayExit(t *task.Task, f *trace.Frame) error {
	if t.State() == task.Exited {
		return nil
	}
	for {
		if err := t.Resume(task.Continue, 0); err != nil {
			if _, gone := err.(task.ErrProcessExited); gone {
				return nil
			}
			return err
		}
		st, err := t.Wait()
		if err != nil {
			return err
		}
		if st.Kind == task.StopExit {
			return nil
		}
		if st.Kind == task.StopPtraceEvent && st.Event == sys.PTRACE_EVENT_EXIT {
			continue
		}
	}
}

func pageAlign(n uint64) uint64 {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}
