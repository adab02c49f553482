package syscalls

import (
	"testing"

	sys "golang.org/x/sys/unix"
)

func TestNames(t *testing.T) {
	if got := Name(sys.SYS_WRITE); got != "write" {
		t.Fatalf("Name(SYS_WRITE) = %q", got)
	}
	if got := Name(99999); got != "<unknown>" {
		t.Fatalf("Name(99999) = %q", got)
	}
}

func TestBufferableExcludesTrappingSyscalls(t *testing.T) {
	// Anything that mutates the task tree or address space must trap.
	for _, no := range []int{sys.SYS_CLONE, sys.SYS_FORK, sys.SYS_EXECVE,
		sys.SYS_MMAP, sys.SYS_MUNMAP, sys.SYS_EXIT_GROUP, sys.SYS_FUTEX} {
		if Bufferable(no) {
			t.Fatalf("%s must not be bufferable", Name(no))
		}
	}
	for _, no := range []int{sys.SYS_CLOCK_GETTIME, sys.SYS_GETTIMEOFDAY, sys.SYS_READ, sys.SYS_WRITE} {
		if !Bufferable(no) {
			t.Fatalf("%s should be bufferable", Name(no))
		}
	}
}

func TestMayBlock(t *testing.T) {
	for _, no := range []int{sys.SYS_READ, sys.SYS_POLL, sys.SYS_NANOSLEEP, sys.SYS_FUTEX, sys.SYS_WAIT4} {
		if !MayBlock(no) {
			t.Fatalf("%s should be may-block", Name(no))
		}
	}
	for _, no := range []int{sys.SYS_GETTID, sys.SYS_CLOCK_GETTIME, sys.SYS_MMAP} {
		if MayBlock(no) {
			t.Fatalf("%s should not be may-block", Name(no))
		}
	}
}

func TestOutparamRules(t *testing.T) {
	args := [6]uint64{3, 0x7fff0000, 128}

	rule, ok := Outparam(sys.SYS_READ)
	if !ok || rule.Arg != 2 {
		t.Fatalf("read rule = %+v, %v", rule, ok)
	}
	if got := rule.Size(args, 57); got != 57 {
		t.Fatalf("read outparam size = %d, want the return value", got)
	}
	if got := rule.Size(args, -11); got != 0 {
		t.Fatalf("failed read records %d bytes, want 0", got)
	}

	rule, _ = Outparam(sys.SYS_CLOCK_GETTIME)
	if got := rule.Size(args, 0); got != sizeofTimespec {
		t.Fatalf("clock_gettime outparam size = %d", got)
	}

	rule, _ = Outparam(sys.SYS_POLL)
	pollArgs := [6]uint64{0x1000, 7, 100}
	if got := rule.Size(pollArgs, 2); got != 7*sizeofPollfd {
		t.Fatalf("poll outparam size = %d, want nfds*sizeof(pollfd)", got)
	}

	if _, ok := Outparam(sys.SYS_CLOSE); ok {
		t.Fatal("close has no outparams")
	}
}
