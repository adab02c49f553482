package syscallbuf

import (
	"fmt"

	"golang.org/x/net/bpf"
	sys "golang.org/x/sys/unix"
)

// seccomp_data field offsets.
const (
	sdNr     = 0
	sdArch   = 4
	sdIPLow  = 8
	sdIPHigh = 12
)

const auditArchX8664 = 0xc000003e

// seccomp return values.
const (
	retAllow = 0x7fff0000 // SECCOMP_RET_ALLOW
	retTrace = 0x7ff00000 // SECCOMP_RET_TRACE
	retKill  = 0x00000000 // SECCOMP_RET_KILL
)

// Filter builds the seccomp-BPF program enforcing the protocol
// boundary: syscalls are allowed without trapping only when issued
// from the shim's published untraced entry IP, plus clone, fork and
// restart_syscall which must run untrapped for the kernel's own
// bookkeeping. Everything else raises PTRACE_EVENT_SECCOMP.
func Filter(untracedIP uint64) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(FilterProgram(untracedIP))
	if err != nil {
		return nil, fmt.Errorf("could not assemble seccomp filter: %w", err)
	}
	return raw, nil
}

// Evaluate interprets the filter against one synthetic seccomp_data,
// mirroring the kernel's classic-BPF semantics for the instructions
// Filter emits. Used by tests to check the boundary property without
// a live kernel.
func Evaluate(prog []bpf.Instruction, nr uint32, arch uint32, ip uint64) uint32 {
	data := map[uint32]uint32{
		sdNr:     nr,
		sdArch:   arch,
		sdIPLow:  uint32(ip),
		sdIPHigh: uint32(ip >> 32),
	}
	var acc uint32
	for pc := 0; pc < len(prog); pc++ {
		switch insn := prog[pc].(type) {
		case bpf.LoadAbsolute:
			acc = data[insn.Off]
		case bpf.JumpIf:
			taken := false
			switch insn.Cond {
			case bpf.JumpEqual:
				taken = acc == insn.Val
			case bpf.JumpNotEqual:
				taken = acc != insn.Val
			}
			if taken {
				pc += int(insn.SkipTrue)
			} else {
				pc += int(insn.SkipFalse)
			}
		case bpf.RetConstant:
			return insn.Val
		default:
			panic(fmt.Sprintf("unhandled instruction %T in filter evaluation", insn))
		}
	}
	return retKill
}

// FilterProgram returns the unassembled instruction list. Exposed so
// tests can run it through Evaluate.
func FilterProgram(untracedIP uint64) []bpf.Instruction {
	ipLow := uint32(untracedIP)
	ipHigh := uint32(untracedIP >> 32)
	return []bpf.Instruction{
		// Non-native syscall ABIs are never legitimate here.
		bpf.LoadAbsolute{Off: sdArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: auditArchX8664, SkipTrue: 9},
		// instruction_pointer == untracedIP → allow.
		bpf.LoadAbsolute{Off: sdIPLow, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: ipLow, SkipTrue: 2},
		bpf.LoadAbsolute{Off: sdIPHigh, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipHigh, SkipTrue: 4},
		// Whitelisted syscall numbers.
		bpf.LoadAbsolute{Off: sdNr, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(sys.SYS_CLONE), SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(sys.SYS_FORK), SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(sys.SYS_RESTART_SYSCALL), SkipTrue: 1},
		bpf.RetConstant{Val: retAllow},
		bpf.RetConstant{Val: retTrace},
	}
}
