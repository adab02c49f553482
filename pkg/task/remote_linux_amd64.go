package task

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// remoteSyscallInsn is SYSCALL followed by INT3: the tracee executes
// the injected syscall and immediately traps back to the tracer.
var remoteSyscallInsn = []byte{0x0f, 0x05, 0xcc}

// RemoteSyscalls runs syscalls inside a stopped tracee by scratching
// its registers and text, then restoring both. Errors from the remote
// syscall itself come back numerically as negative errno values, so
// the caller decides what is fatal.
//
//	remote, err := t.RemoteSyscalls()
//	fd, err := remote.Syscall(unix.SYS_OPENAT, ...)
//	remote.Restore()
type RemoteSyscalls struct {
	t         *Task
	savedRegs Registers
	savedText []byte
	ip        uint64
	restored  bool
}

// RemoteSyscalls prepares t, which must be stopped, for remote
// syscall injection.
func (t *Task) RemoteSyscalls() (*RemoteSyscalls, error) {
	if t.state == Running || t.state == Exited {
		return nil, fmt.Errorf("task %d not stopped for remote syscalls (%v)", t.Tid, t.state)
	}
	r := &RemoteSyscalls{t: t, savedRegs: t.Regs, ip: t.Regs.IP()}
	r.savedText = make([]byte, len(remoteSyscallInsn))
	if _, err := t.ReadMemory(r.savedText, uintptr(r.ip)); err != nil {
		return nil, err
	}
	if _, err := t.WriteMemory(uintptr(r.ip), remoteSyscallInsn); err != nil {
		return nil, err
	}
	return r, nil
}

// Syscall executes one syscall in the tracee and returns its raw
// return value (negative errno on failure).
func (r *RemoteSyscalls) Syscall(no int, args ...uint64) (int64, error) {
	if r.restored {
		panic("remote syscall after Restore")
	}
	if len(args) > 6 {
		panic("too many remote syscall arguments")
	}
	regs := r.savedRegs
	regs.SetIP(r.ip)
	regs.Rax = uint64(no)
	regs.Orig_rax = uint64(no)
	for i, a := range args {
		regs.SetSyscallArg(i, a)
	}
	r.t.Regs = regs
	if err := r.t.SetRegisters(); err != nil {
		return 0, err
	}
	// Single-step over SYSCALL; the step trap stops the task on the
	// INT3 behind it before that executes.
	if err := r.t.Resume(Singlestep, 0); err != nil {
		return 0, err
	}
	st, err := r.t.Wait()
	if err != nil {
		return 0, err
	}
	if st.Kind == StopExit {
		return 0, ErrProcessExited{Tid: r.t.Tid, Status: st.Exit}
	}
	return r.t.Regs.SyscallResult(), nil
}

// SyscallChecked is Syscall but converts negative returns to errors.
func (r *RemoteSyscalls) SyscallChecked(no int, args ...uint64) (int64, error) {
	ret, err := r.Syscall(no, args...)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return ret, sys.Errno(-ret)
	}
	return ret, nil
}

// Restore puts the saved text and registers back. Safe to call more
// than once.
func (r *RemoteSyscalls) Restore() error {
	if r.restored {
		return nil
	}
	r.restored = true
	if _, err := r.t.WriteMemory(uintptr(r.ip), r.savedText); err != nil {
		return err
	}
	r.t.Regs = r.savedRegs
	return r.t.SetRegisters()
}
