package task

import (
	"runtime"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Ptrace requests not exposed by x/sys/unix.
const (
	ptraceSysemu           = 31
	ptraceSysemuSinglestep = 32
)

const _NT_X86_XSTATE = 0x202

// xsaveAreaSize is what PTRACE_GETREGSET is asked for; the kernel
// truncates to the actual xsave layout of the host.
const xsaveAreaSize = 2048

// Ptracer funnels every ptrace(2) call onto a single locked OS
// thread. The kernel refuses ptrace requests coming from any thread
// other than the one that attached, and the Go runtime migrates
// goroutines freely, so all ptrace traffic is serialized through here.
type Ptracer struct {
	fnChan   chan func()
	doneChan chan struct{}
}

// NewPtracer starts the ptrace dispatch thread.
func NewPtracer() *Ptracer {
	p := &Ptracer{
		fnChan:   make(chan func()),
		doneChan: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Ptracer) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range p.fnChan {
		fn()
		p.doneChan <- struct{}{}
	}
}

// Do executes fn on the ptrace thread and waits for it to finish.
func (p *Ptracer) Do(fn func()) {
	p.fnChan <- fn
	<-p.doneChan
}

// Close stops the dispatch thread.
func (p *Ptracer) Close() {
	close(p.fnChan)
}

func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

func ptraceSyscall(tid, sig int) error {
	return sys.PtraceSyscall(tid, sig)
}

func ptraceSingleStep(tid, sig int) error {
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP),
		uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceSysemuResume(tid, sig int, singlestep bool) error {
	req := uintptr(ptraceSysemu)
	if singlestep {
		req = ptraceSysemuSinglestep
	}
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, req, uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceGetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceGetRegs(tid, regs)
}

func ptraceSetRegs(tid int, regs *sys.PtraceRegs) error {
	return sys.PtraceSetRegs(tid, regs)
}

func ptraceGetXstate(tid int, buf []byte) (int, error) {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_GETREGSET),
		uintptr(tid), _NT_X86_XSTATE, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(iov.Len), nil
}

func ptraceSetXstate(tid int, buf []byte) error {
	iov := sys.Iovec{Base: &buf[0], Len: uint64(len(buf))}
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SETREGSET),
		uintptr(tid), _NT_X86_XSTATE, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceGetSiginfo(tid int) (*sys.Siginfo, error) {
	var si sys.Siginfo
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_GETSIGINFO),
		uintptr(tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if errno != 0 {
		return nil, errno
	}
	return &si, nil
}

func ptraceSetSiginfo(tid int, si *sys.Siginfo) error {
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SETSIGINFO),
		uintptr(tid), 0, uintptr(unsafe.Pointer(si)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceGetEventMsg(tid int) (uint, error) {
	return sys.PtraceGetEventMsg(tid)
}

func ptraceSetOptions(tid int, options int) error {
	return syscall.PtraceSetOptions(tid, options)
}

func ptracePokeData(tid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePokeData(tid, addr, data)
}

func ptracePeekData(tid int, addr uintptr, data []byte) (int, error) {
	return sys.PtracePeekData(tid, addr, data)
}

// processVMRead reads tracee memory without stopping costs per word.
// Falls back to PTRACE_PEEKDATA when the fast path is unavailable.
func processVMRead(tid int, addr uintptr, data []byte) (int, error) {
	local := []sys.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []sys.RemoteIovec{{Base: addr, Len: len(data)}}
	n, err := sys.ProcessVMReadv(tid, local, remote, 0)
	if err != nil {
		return ptracePeekData(tid, addr, data)
	}
	return n, nil
}

// processVMWrite writes tracee memory, falling back to
// PTRACE_POKEDATA for write-protected or unmapped fast-path failures.
func processVMWrite(tid int, addr uintptr, data []byte) (int, error) {
	local := []sys.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []sys.RemoteIovec{{Base: addr, Len: len(data)}}
	n, err := sys.ProcessVMWritev(tid, local, remote, 0)
	if err != nil {
		return ptracePokeData(tid, addr, data)
	}
	return n, nil
}
