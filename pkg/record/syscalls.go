package record

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/syscallbuf"
	"github.com/go-rerun/rerun/pkg/syscalls"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// scratchSize is the per-task staging area for blocked syscalls'
// outparams.
const scratchSize = 512 * 1024

// handleTracedSyscall processes a seccomp trap: the entry of a traced
// syscall. It records the enter frame, runs the syscall to its exit
// stop, applies per-syscall bookkeeping and records the exit frame
// with outparam payloads.
func (s *Session) handleTracedSyscall(t *task.Task) (bool, error) {
	no := t.Regs.SyscallNo()

	if no == syscallbuf.InitSyscall {
		if !s.cfg.SyscallbufEnabled() {
			// RERUN_SYSCALLBUF=disabled: refuse the handshake; the
			// shim falls back to traced syscalls for everything.
			return false, s.failInitBuffer(t)
		}
		return false, s.handleInitBuffer(t)
	}

	entryRegs := t.Regs
	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvSyscall, SyscallNo: no, Entry: true, Arch: syscallArch,
	}, nil); err != nil {
		return false, err
	}

	// A may-block syscall can hold the task for arbitrarily long; if
	// the desched event is armed the shim path is in play, otherwise
	// the scheduler must not spin on this task.
	mayBlock := syscalls.MayBlock(no)

	// Run to the syscall-exit stop.
	if err := t.Resume(task.Syscall, 0); err != nil {
		return false, err
	}
	st, err := t.Wait()
	if err != nil {
		return false, err
	}
	if st.Kind == task.StopExit {
		// The task died inside the syscall (exit/exit_group do this
		// by design).
		return true, s.handleExit(t, st)
	}
	if st.Kind == task.StopPtraceEvent {
		// clone/fork/exec events arrive between entry and exit.
		if _, err := s.handlePtraceEvent(t, st); err != nil {
			return false, err
		}
		if st.Event == sys.PTRACE_EVENT_EXIT {
			return true, nil
		}
		// Continue to the real exit stop.
		if err := t.Resume(task.Syscall, 0); err != nil {
			return false, err
		}
		if st, err = t.Wait(); err != nil {
			return false, err
		}
		if st.Kind == task.StopExit {
			return true, s.handleExit(t, st)
		}
	}
	if st.Kind != task.StopSyscall {
		// Typically a signal raced the syscall; queue it and record
		// the interrupted exit when it arrives.
		if st.Kind == task.StopSignal {
			return s.handleSignal(t, st)
		}
		return false, fmt.Errorf("task %d: expected syscall exit, got %v", t.Tid, st)
	}

	return s.recordSyscallExit(t, no, entryRegs, mayBlock)
}

// handleSyscallExitStop records a syscall stop reached without a
// seccomp trap: every stop before the shim handshake, and the exit of
// a syscall resumed after an interleaved signal.
func (s *Session) handleSyscallExitStop(t *task.Task, st task.Status) (bool, error) {
	if st.SyscallEntry {
		if t.UntracedIP != 0 {
			// With the filter installed, entries arrive as seccomp
			// traps only.
			return false, fmt.Errorf("task %d: unexpected syscall entry stop at ip %#x", t.Tid, t.Regs.IP())
		}
		return s.handleTracedSyscall(t)
	}
	no := t.Regs.SyscallNo()
	return s.recordSyscallExit(t, no, t.Regs, syscalls.MayBlock(no))
}

// recordSyscallExit applies side effects to the session model and
// emits the SYSCALL(exit) frame.
func (s *Session) recordSyscallExit(t *task.Task, no int, entryRegs task.Registers, mayBlock bool) (bool, error) {
	ret := t.Regs.SyscallResult()
	args := entryRegs.SyscallArgs()

	switch no {
	case sys.SYS_MMAP:
		if ret >= 0 {
			if err := s.observeMmap(t, args, uint64(ret)); err != nil {
				return false, err
			}
		}
	case sys.SYS_MUNMAP:
		if ret == 0 {
			t.AS.Unmap(args[0], args[0]+args[1])
		}
	case sys.SYS_MPROTECT:
		if ret == 0 {
			t.AS.Protect(args[0], args[0]+args[1], int(args[2]))
		}
	case sys.SYS_MREMAP:
		if ret >= 0 {
			t.AS.Remap(args[0], args[0]+args[1], uint64(ret), uint64(ret)+args[2])
		}
	case sys.SYS_BRK:
		if ret > 0 {
			s.observeBrk(t, uint64(ret))
		}
	case sys.SYS_EXIT_GROUP:
		for _, other := range s.tasks {
			if other.Tgid == t.Tgid && other != t {
				other.MarkUnstable()
			}
		}
	}

	var payload []byte
	if rule, ok := syscalls.Outparam(no); ok && rule.Arg > 0 && ret >= 0 {
		size := rule.Size(args, ret)
		addr := args[rule.Arg-1]
		if size > 0 && addr != 0 {
			payload = make([]byte, size)
			if _, err := t.ReadMemory(payload, uintptr(addr)); err != nil {
				// Unreadable outparams leave an empty payload; the
				// kernel did not write either.
				payload = nil
			}
		}
	}

	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvSyscall, SyscallNo: no, Arch: syscallArch,
	}, payload); err != nil {
		return false, err
	}

	// Blocking syscalls surrender the CPU even though they have
	// completed: the wake-up order is part of the schedule.
	return mayBlock, nil
}

// observeMmap updates the address space model and the mmaps stream
// for a successful mmap.
func (s *Session) observeMmap(t *task.Task, args [6]uint64, addr uint64) error {
	length := args[1]
	prot := int(args[2])
	flags := int(args[3])
	fd := int(int32(uint32(args[4])))
	offset := args[5]

	m := memory.Mapping{
		Start: addr, End: addr + pageAlign(length),
		Prot: prot, Flags: flags, Offset: offset,
	}
	const mapAnonymous = 0x20
	if flags&mapAnonymous == 0 && fd >= 0 {
		if pfd, err := sys.Open(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, fd), sys.O_RDONLY, 0); err == nil {
			var st sys.Stat_t
			if sys.Fstat(pfd, &st) == nil {
				m.Device = st.Dev
				m.Inode = st.Ino
			}
			sys.Close(pfd)
		}
		m.Fsname = fdName(t, fd)
	}
	t.AS.Map(m)
	if err := s.writer.WriteMapping(s.writer.NextGlobalTime(), int32(t.Tid), m); err != nil {
		return err
	}
	if logflags.Scheduler() {
		logflags.SchedulerLogger().Debugf("task %d mapped %s", t.Tid, m)
	}
	return nil
}

func (s *Session) observeBrk(t *task.Task, newBrk uint64) {
	// Model the heap as one anonymous mapping ending at the new brk.
	if m, ok := t.AS.FindMapping(newBrk - 1); ok && m.Fsname == "" {
		return
	}
	for _, m := range t.AS.Mappings() {
		if m.Fsname == "[heap]" {
			if newBrk > m.Start {
				t.AS.Map(memory.Mapping{Start: m.Start, End: newBrk, Prot: memory.ProtRead | memory.ProtWrite, Fsname: "[heap]"})
			}
			return
		}
	}
}

func pageAlign(n uint64) uint64 {
	const page = 4096
	return (n + page - 1) &^ (page - 1)
}

func fdName(t *task.Task, fd int) string {
	name, err := readlink(fmt.Sprintf("/proc/%d/fd/%d", t.Tid, fd))
	if err != nil {
		return ""
	}
	return name
}

func readlink(path string) (string, error) {
	buf := make([]byte, 4096)
	n, err := sys.Readlink(path, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// failInitBuffer cancels the init pseudo-syscall and returns 0, the
// shim's signal that buffering is off for this recording.
func (s *Session) failInitBuffer(t *task.Task) error {
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
	t.Regs.SetSyscallResult(0)
	return t.SetRegisters()
}

// handleInitBuffer services the shim's init pseudo-syscall: the shim
// passes its untraced entry IP in arg1 and expects the ring address
// back. The tracer maps the ring, installs the seccomp filter, and
// sets up the scratch region. The desched fd is not passed to the
// tracee here; it stays in the tracer.
func (s *Session) handleInitBuffer(t *task.Task) error {
	args := t.Regs.SyscallArgs()
	t.UntracedIP = args[0]

	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()

	// Ring: anonymous shared mapping the tracer reads while the
	// tracee is stopped.
	ring, err := remote.SyscallChecked(sys.SYS_MMAP, 0, syscallbuf.BufferSize,
		uint64(sys.PROT_READ|sys.PROT_WRITE), uint64(sys.MAP_ANONYMOUS|sys.MAP_SHARED), ^uint64(0), 0)
	if err != nil {
		return fmt.Errorf("could not map syscallbuf ring: %w", err)
	}
	t.SyscallbufChild = uint64(ring)
	t.AS.Map(memory.Mapping{
		Start: uint64(ring), End: uint64(ring) + syscallbuf.BufferSize,
		Prot: memory.ProtRead | memory.ProtWrite, Fsname: "[syscallbuf]",
	})

	// Scratch region for blocked syscalls' outparams.
	scratch, err := remote.SyscallChecked(sys.SYS_MMAP, 0, scratchSize,
		uint64(sys.PROT_READ|sys.PROT_WRITE), uint64(sys.MAP_ANONYMOUS|sys.MAP_PRIVATE), ^uint64(0), 0)
	if err != nil {
		return fmt.Errorf("could not map scratch: %w", err)
	}
	t.ScratchPtr = uint64(scratch)
	t.ScratchSize = scratchSize
	t.AS.Map(memory.Mapping{
		Start: uint64(scratch), End: uint64(scratch) + scratchSize,
		Prot: memory.ProtRead | memory.ProtWrite, Fsname: "[scratch]",
	})

	// Police the untraced entry from now on.
	if err := s.installSeccompFilter(t, remote); err != nil {
		return err
	}

	// The pseudo-syscall returns the ring address.
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
	if err := t.SetRegisters(); err != nil {
		return err
	}
	if logflags.Syscallbuf() {
		logflags.SyscallbufLogger().Debugf("task %d: ring at %#x, untraced ip %#x", t.Tid, ring, t.UntracedIP)
	}
	return nil
}

// installSeccompFilter copies the assembled filter into scratch
// memory and installs it remotely.
func (s *Session) installSeccompFilter(t *task.Task, remote *task.RemoteSyscalls) error {
	raw, err := syscallbuf.Filter(t.UntracedIP)
	if err != nil {
		return err
	}
	progBytes := make([]byte, len(raw)*8)
	for i, insn := range raw {
		progBytes[i*8+0] = byte(insn.Op)
		progBytes[i*8+1] = byte(insn.Op >> 8)
		progBytes[i*8+2] = insn.Jt
		progBytes[i*8+3] = insn.Jf
		progBytes[i*8+4] = byte(insn.K)
		progBytes[i*8+5] = byte(insn.K >> 8)
		progBytes[i*8+6] = byte(insn.K >> 16)
		progBytes[i*8+7] = byte(insn.K >> 24)
	}
	progAddr := t.ScratchPtr
	if _, err := t.WriteMemory(uintptr(progAddr), progBytes); err != nil {
		return err
	}
	// struct sock_fprog { u16 len; pad; filter* }
	fprogAddr := progAddr + uint64(len(progBytes))
	var fprog [16]byte
	fprog[0] = byte(len(raw))
	fprog[1] = byte(len(raw) >> 8)
	for i := 0; i < 8; i++ {
		fprog[8+i] = byte(progAddr >> (8 * i))
	}
	if _, err := t.WriteMemory(uintptr(fprogAddr), fprog[:]); err != nil {
		return err
	}
	const seccompSetModeFilter = 1
	if _, err := remote.SyscallChecked(sys.SYS_SECCOMP,
		seccompSetModeFilter, 0, fprogAddr); err != nil {
		return fmt.Errorf("could not install seccomp filter: %w", err)
	}
	return nil
}

// FlushSyscallbuf captures the ring's valid prefix as a
// SYSCALLBUF_FLUSH frame and resets the ring. It is called when a
// task's timeslice expires; an overflowing reservation by the shim
// does not trigger a flush.
func (s *Session) FlushSyscallbuf(t *task.Task) error {
	if t.SyscallbufChild == 0 {
		return nil
	}
	captured, h, err := syscallbuf.Capture(t, t.SyscallbufChild)
	if err != nil {
		return err
	}
	if h.NumRecBytes == 0 {
		return nil
	}
	if err := s.recordEvent(t, trace.Event{Kind: trace.EvSyscallbufFlush}, captured); err != nil {
		return err
	}
	if err := syscallbuf.Reset(t, t.SyscallbufChild); err != nil {
		return err
	}
	return s.recordEvent(t, trace.Event{Kind: trace.EvSyscallbufReset}, nil)
}
