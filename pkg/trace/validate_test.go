package trace

import (
	"errors"
	"testing"

	sys "golang.org/x/sys/unix"
)

// helloFrames mirrors the smallest interesting recording: a process
// that writes a banner and exits.
func helloFrames() []Frame {
	return []Frame{
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_WRITE, Entry: true}, Ticks: 100},
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_WRITE}, Ticks: 100},
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_EXIT_GROUP, Entry: true}, Ticks: 150},
		{Tid: 100, Event: Event{Kind: EvExit, ExitStatus: 0}, Ticks: 150},
	}
}

func validateTrace(t *testing.T, frames []Frame) error {
	t.Helper()
	payloads := make([][]byte, len(frames))
	dir := writeTestTrace(t, t.TempDir(), frames, payloads)
	r, err := Open(dir)
	assertNoError(err, t, "Open")
	defer r.Close()
	return Validate(r)
}

func TestValidateAcceptsWellFormedTrace(t *testing.T) {
	// The exit_group entry never gets an exit frame; the task exits
	// mid-syscall, which Validate must accept.
	assertNoError(validateTrace(t, helloFrames()), t, "Validate")
}

func TestValidateRejectsUnbalancedSyscalls(t *testing.T) {
	frames := []Frame{
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_WRITE}}, // exit without enter
		{Tid: 100, Event: Event{Kind: EvExit}},
	}
	if err := validateTrace(t, frames); !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("Validate = %v, want ErrTraceCorrupt", err)
	}

	frames = []Frame{
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_WRITE, Entry: true}},
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: sys.SYS_READ, Entry: true}},
		{Tid: 100, Event: Event{Kind: EvExit}},
	}
	if err := validateTrace(t, frames); !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("nested enters: Validate = %v, want ErrTraceCorrupt", err)
	}
}

// TestValidateEventTotality checks the totality property: every task
// that ever existed ends in EXIT or UNSTABLE_EXIT.
func TestValidateEventTotality(t *testing.T) {
	frames := []Frame{
		{Tid: 100, Event: Event{Kind: EvSched}},
		{Tid: 101, Event: Event{Kind: EvSched}},
		{Tid: 100, Event: Event{Kind: EvExit}},
		// 101 never exits.
	}
	if err := validateTrace(t, frames); !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("Validate = %v, want ErrTraceCorrupt for missing exit", err)
	}

	frames = append(frames, Frame{Tid: 101, Event: Event{Kind: EvUnstableExit, ExitStatus: 9}})
	assertNoError(validateTrace(t, frames), t, "Validate with unstable exit")
}

func TestValidateRejectsPostExitFrames(t *testing.T) {
	frames := []Frame{
		{Tid: 100, Event: Event{Kind: EvExit}},
		{Tid: 100, Event: Event{Kind: EvSched}},
	}
	if err := validateTrace(t, frames); !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("Validate = %v, want ErrTraceCorrupt for post-exit frame", err)
	}
}
