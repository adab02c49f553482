package task

import (
	"bytes"
	"fmt"
	"hash/fnv"

	sys "golang.org/x/sys/unix"
)

// Registers holds a task's general purpose register file as captured
// at its last ptrace stop.
type Registers struct {
	sys.PtraceRegs
}

// IP returns the instruction pointer.
func (r *Registers) IP() uint64 { return r.Rip }

// SetIP changes the instruction pointer.
func (r *Registers) SetIP(pc uint64) { r.Rip = pc }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.Rsp }

// SyscallNo returns the number of the syscall being entered, valid at
// a syscall-entry stop.
func (r *Registers) SyscallNo() int { return int(int64(r.Orig_rax)) }

// SetSyscallNo rewrites the pending syscall number. Writing -1
// cancels the syscall at entry; this is how SYSEMU is realized.
func (r *Registers) SetSyscallNo(no int) { r.Orig_rax = uint64(no) }

// SyscallResult returns the syscall return value, valid at a
// syscall-exit stop.
func (r *Registers) SyscallResult() int64 { return int64(r.Rax) }

// SetSyscallResult sets the value the tracee will observe as the
// syscall return.
func (r *Registers) SetSyscallResult(v int64) { r.Rax = uint64(v) }

// SyscallArgs returns the six syscall argument registers in ABI order.
func (r *Registers) SyscallArgs() [6]uint64 {
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9}
}

// SetSyscallArg overwrites the i-th (0-based) syscall argument.
func (r *Registers) SetSyscallArg(i int, v uint64) {
	switch i {
	case 0:
		r.Rdi = v
	case 1:
		r.Rsi = v
	case 2:
		r.Rdx = v
	case 3:
		r.R10 = v
	case 4:
		r.R8 = v
	case 5:
		r.R9 = v
	default:
		panic(fmt.Sprintf("bad syscall arg index %d", i))
	}
}

// SetTsc loads a 64-bit timestamp-counter value into EDX:EAX, the
// destination registers of RDTSC.
func (r *Registers) SetTsc(v uint64) {
	r.Rax = v & 0xffffffff
	r.Rdx = v >> 32
}

// Equal reports bit-exact equality of two register files, flag bits
// included.
func (r *Registers) Equal(other *Registers) bool {
	return r.PtraceRegs == other.PtraceRegs
}

// ExtraRegisters holds the xsave area captured with
// PTRACE_GETREGSET(NT_X86_XSTATE).
type ExtraRegisters struct {
	Xsave []byte
}

// Hash returns a stable hash of the xsave area, used to key
// asynchronous signal delivery points.
func (e *ExtraRegisters) Hash() uint64 {
	h := fnv.New64a()
	h.Write(e.Xsave)
	return h.Sum64()
}

// Equal reports bit-exact equality of the xsave areas.
func (e *ExtraRegisters) Equal(other *ExtraRegisters) bool {
	return bytes.Equal(e.Xsave, other.Xsave)
}

// Clone returns a deep copy.
func (e *ExtraRegisters) Clone() ExtraRegisters {
	x := make([]byte, len(e.Xsave))
	copy(x, e.Xsave)
	return ExtraRegisters{Xsave: x}
}
