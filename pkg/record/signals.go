package record

import (
	"encoding/binary"
	"unsafe"

	sys "golang.org/x/sys/unix"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/perf"
	"github.com/go-rerun/rerun/pkg/syscallbuf"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// handleSignal routes a signal stop: scheduler interrupts
// (timeslice, desched) are consumed internally; real tracee signals
// are classified and recorded.
func (s *Session) handleSignal(t *task.Task, st task.Status) (bool, error) {
	switch st.Sig {
	case perf.TicksSignal:
		// Timeslice expired: record the preemption point so replay
		// lands on the same instruction, then switch.
		if err := s.FlushSyscallbuf(t); err != nil {
			return false, err
		}
		if err := s.recordEvent(t, trace.Event{Kind: trace.EvSched}, nil); err != nil {
			return false, err
		}
		return true, nil

	case perf.DeschedSignal:
		return s.handleDesched(t)
	}

	det := s.isDeterministic(t, st)
	var payload []byte
	if st.Siginfo != nil {
		payload = siginfoBytes(st.Siginfo)
	}
	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvSignal, SigNo: int(st.Sig), Deterministic: det,
	}, payload); err != nil {
		return false, err
	}
	// Deliver the signal when the task next runs.
	t.PendingSig = int(st.Sig)
	if logflags.Scheduler() {
		logflags.SchedulerLogger().Debugf("task %d: signal %d (det=%v) queued", t.Tid, st.Sig, det)
	}
	return false, nil
}

// handleDesched reacts to the desched event firing while the shim is
// inside a buffered may-block syscall. Two pseudo-deliveries per
// deschedule are expected and dropped silently; the real one turns
// the in-progress buffered syscall into a traced entry/exit pair
// bracketed by DESCHED events, with the shim's own record suppressed
// via abort_commit.
func (s *Session) handleDesched(t *task.Task) (bool, error) {
	if t.ConsumeDeschedPseudo() {
		return false, nil
	}
	if !t.DeschedArmed || t.SyscallbufChild == 0 {
		// Stray SIGIO not owned by the desched machinery: record it
		// like any other async signal.
		return s.recordStraySigio(t)
	}

	inner := t.Regs.SyscallNo()
	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvDesched, Desched: trace.DeschedArming, InnerSyscall: inner,
	}, nil); err != nil {
		return false, err
	}

	// The in-progress syscall gets recorded as an ordinary pair; the
	// shim must then drop its own buffered record.
	if err := syscallbuf.SetAbortCommit(t, t.SyscallbufChild); err != nil {
		return false, err
	}
	if err := s.recordEvent(t, trace.Event{Kind: trace.EvSyscallbufAbortCommit}, nil); err != nil {
		return false, err
	}

	// Run the blocked syscall to completion as a traced pair.
	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvSyscall, SyscallNo: inner, Entry: true, Arch: syscallArch,
	}, nil); err != nil {
		return false, err
	}
	if err := t.Resume(task.Syscall, 0); err != nil {
		return false, err
	}
	st, err := t.Wait()
	if err != nil {
		return false, err
	}
	if st.Kind == task.StopExit {
		return true, s.handleExit(t, st)
	}
	if _, err := s.recordSyscallExit(t, inner, t.Regs, false); err != nil {
		return false, err
	}

	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvDesched, Desched: trace.DeschedDisarming, InnerSyscall: inner,
	}, nil); err != nil {
		return false, err
	}
	if err := t.DisarmDesched(); err != nil {
		return false, err
	}
	// The task was blocked; the scheduler moves on.
	return true, nil
}

func (s *Session) recordStraySigio(t *task.Task) (bool, error) {
	if err := s.recordEvent(t, trace.Event{
		Kind: trace.EvSignal, SigNo: int(perf.DeschedSignal), Deterministic: false,
	}, nil); err != nil {
		return false, err
	}
	t.PendingSig = int(perf.DeschedSignal)
	return false, nil
}

// isDeterministic infers whether a signal is a hardware trap caused
// by the preceding instruction: one of the faulting signal numbers,
// kernel-originated siginfo, and a faulting address consistent with
// the current instruction's effective address.
func (s *Session) isDeterministic(t *task.Task, st task.Status) bool {
	switch st.Sig {
	case sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE, sys.SIGTRAP:
	default:
		return false
	}
	si := st.Siginfo
	if si == nil {
		return false
	}
	// Kernel-generated faults carry si_code > 0; user-sent signals
	// (kill, tgkill, sigqueue) carry SI_USER and friends, <= 0.
	if si.Code <= 0 {
		return false
	}
	if st.Sig == sys.SIGILL || st.Sig == sys.SIGFPE || st.Sig == sys.SIGTRAP {
		return true
	}
	// For memory faults, corroborate: the faulting address must be
	// referenced by the instruction at the stop IP.
	fault := siginfoAddr(si)
	if fault == 0 {
		return true
	}
	return s.instructionTouches(t, fault)
}

// instructionTouches decodes the instruction at the task's IP and
// reports whether it plausibly references addr through one of its
// memory operands. Decoding failures count as touching: an
// unreadable or undecodable text page is itself the fault.
func (s *Session) instructionTouches(t *task.Task, addr uint64) bool {
	code := make([]byte, 16)
	n, err := t.ReadMemoryHidingBreakpoints(code, uintptr(t.Regs.IP()))
	if err != nil || n == 0 {
		return true
	}
	insn, err := x86asm.Decode(code[:n], 64)
	if err != nil {
		return true
	}
	for _, arg := range insn.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if effectiveAddress(&t.Regs, mem) == addr {
			return true
		}
	}
	// Implicit memory accesses (push/pop, string ops) evade operand
	// inspection; accept those conservatively.
	switch insn.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.CALL, x86asm.RET,
		x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		return true
	}
	return false
}

// effectiveAddress computes base + index*scale + disp for a decoded
// memory operand against the current registers.
func effectiveAddress(regs *task.Registers, mem x86asm.Mem) uint64 {
	addr := uint64(mem.Disp)
	if v, ok := regValue(regs, mem.Base); ok {
		addr += v
	}
	if v, ok := regValue(regs, mem.Index); ok {
		addr += v * uint64(mem.Scale)
	}
	return addr
}

func regValue(regs *task.Registers, r x86asm.Reg) (uint64, bool) {
	switch r {
	case x86asm.RAX:
		return regs.Rax, true
	case x86asm.RBX:
		return regs.Rbx, true
	case x86asm.RCX:
		return regs.Rcx, true
	case x86asm.RDX:
		return regs.Rdx, true
	case x86asm.RSI:
		return regs.Rsi, true
	case x86asm.RDI:
		return regs.Rdi, true
	case x86asm.RBP:
		return regs.Rbp, true
	case x86asm.RSP:
		return regs.Rsp, true
	case x86asm.R8:
		return regs.R8, true
	case x86asm.R9:
		return regs.R9, true
	case x86asm.R10:
		return regs.R10, true
	case x86asm.R11:
		return regs.R11, true
	case x86asm.R12:
		return regs.R12, true
	case x86asm.R13:
		return regs.R13, true
	case x86asm.R14:
		return regs.R14, true
	case x86asm.R15:
		return regs.R15, true
	case x86asm.RIP:
		return regs.Rip, true
	}
	return 0, false
}

// siginfoBytes serializes the raw siginfo for the trace.
func siginfoBytes(si *sys.Siginfo) []byte {
	size := int(unsafe.Sizeof(*si))
	return (*[1 << 10]byte)(unsafe.Pointer(si))[:size:size]
}

// siginfoAddr extracts si_addr from the raw union for memory faults.
func siginfoAddr(si *sys.Siginfo) uint64 {
	raw := siginfoBytes(si)
	// si_addr sits at the start of the union: after signo, errno,
	// code and alignment padding on amd64.
	const addrOff = 16
	if len(raw) < addrOff+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(raw[addrOff:])
}
