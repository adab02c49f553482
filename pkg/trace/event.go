// Package trace reads and writes the trace container: an append-only
// directory of compressed chunked streams plus an event index, laid
// out so replay can seek by chunk and by frame.
package trace

import (
	"fmt"

	"github.com/go-rerun/rerun/pkg/syscalls"
)

// EventKind enumerates the trace's logical units.
type EventKind uint8

const (
	EvInvalid EventKind = iota
	EvSyscall
	EvSignal
	EvSched
	EvSyscallbufFlush
	EvSyscallbufAbortCommit
	EvSyscallbufReset
	EvDesched
	EvSegvRdtsc
	EvExit
	EvUnstableExit
	EvTraceTermination
)

func (k EventKind) String() string {
	switch k {
	case EvSyscall:
		return "SYSCALL"
	case EvSignal:
		return "SIGNAL"
	case EvSched:
		return "SCHED"
	case EvSyscallbufFlush:
		return "SYSCALLBUF_FLUSH"
	case EvSyscallbufAbortCommit:
		return "SYSCALLBUF_ABORT_COMMIT"
	case EvSyscallbufReset:
		return "SYSCALLBUF_RESET"
	case EvDesched:
		return "DESCHED"
	case EvSegvRdtsc:
		return "SEGV_RDTSC"
	case EvExit:
		return "EXIT"
	case EvUnstableExit:
		return "UNSTABLE_EXIT"
	case EvTraceTermination:
		return "TRACE_TERMINATION"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// DeschedState distinguishes the two halves of a DESCHED event pair.
type DeschedState uint8

const (
	DeschedArming DeschedState = iota
	DeschedDisarming
)

// Event is one logical trace event.
type Event struct {
	Kind EventKind

	// Syscall events.
	SyscallNo int
	Entry     bool
	Arch      syscalls.Arch

	// Signal events.
	SigNo         int
	Deterministic bool

	// Desched events.
	Desched      DeschedState
	InnerSyscall int

	// Exit events.
	ExitStatus int
}

func (e Event) String() string {
	switch e.Kind {
	case EvSyscall:
		dir := "exit"
		if e.Entry {
			dir = "enter"
		}
		return fmt.Sprintf("SYSCALL(%s, %s)", dir, syscalls.Name(e.SyscallNo))
	case EvSignal:
		det := "async"
		if e.Deterministic {
			det = "det"
		}
		return fmt.Sprintf("SIGNAL(%d, %s)", e.SigNo, det)
	case EvDesched:
		if e.Desched == DeschedArming {
			return fmt.Sprintf("DESCHED(arming, %s)", syscalls.Name(e.InnerSyscall))
		}
		return fmt.Sprintf("DESCHED(disarming, %s)", syscalls.Name(e.InnerSyscall))
	case EvExit, EvUnstableExit:
		return fmt.Sprintf("%s(%d)", e.Kind, e.ExitStatus)
	}
	return e.Kind.String()
}
