// Package replay re-creates a recorded execution step for step:
// syscall effects come from the trace instead of the kernel, signals
// are re-injected at their recorded tick tuples, and any observable
// difference from the recording is fatal.
package replay

import (
	"bytes"
	"fmt"
)

// ErrDiverged reports that a replaying task cannot reach the recorded
// stop. Divergence is a correctness bug, never a user error; callers
// abort and preserve the trace.
type ErrDiverged struct {
	Want   Target
	GotIP  uint64
	GotTks uint64
}

func (e ErrDiverged) Error() string {
	return fmt.Sprintf("replay diverged: want ip=%#x ticks=%d, got ip=%#x ticks=%d",
		e.Want.IP, e.Want.Ticks, e.GotIP, e.GotTks)
}

// Target is the recorded stop a task must land on: the instruction
// pointer and the retired-conditional-branch count, with the extra
// register file as the tie-break when several executions of one
// instruction share a branch count.
type Target struct {
	IP    uint64
	Ticks uint64
	Extra []byte
}

// Stepper abstracts the task operations the landing algorithm needs,
// so it can be exercised against synthetic executions.
type Stepper interface {
	// ReadTicks samples the tick counter.
	ReadTicks() (uint64, error)
	// IP returns the current instruction pointer.
	IP() uint64
	// ExtraRegs returns the current xsave area.
	ExtraRegs() []byte
	// RunWithInterrupt resumes execution with the counter programmed
	// to interrupt after about n more ticks. The task stops at the
	// interrupt or earlier.
	RunWithInterrupt(n uint64) error
	// Step executes one instruction.
	Step() error
}

// LandExact advances the task to exactly the target tuple. The bulk
// of the distance runs at full speed with the counter interrupt
// programmed slack ticks early; the rest is single-stepped while
// watching (ip, ticks). ExtraRegisters break ties bit-exactly.
func LandExact(st Stepper, target Target, slack uint64) error {
	ticks, err := st.ReadTicks()
	if err != nil {
		return err
	}
	if ticks > target.Ticks {
		return ErrDiverged{Want: target, GotIP: st.IP(), GotTks: ticks}
	}
	if target.Ticks-ticks > slack {
		if err := st.RunWithInterrupt(target.Ticks - ticks - slack); err != nil {
			return err
		}
		if ticks, err = st.ReadTicks(); err != nil {
			return err
		}
	}
	for {
		if ticks > target.Ticks {
			return ErrDiverged{Want: target, GotIP: st.IP(), GotTks: ticks}
		}
		if ticks == target.Ticks && st.IP() == target.IP {
			if len(target.Extra) == 0 || bytes.Equal(st.ExtraRegs(), target.Extra) {
				return nil
			}
			// Same instruction, same branch count, different FP/SSE
			// state: a later visit is the recorded one.
		}
		if err := st.Step(); err != nil {
			return err
		}
		if ticks, err = st.ReadTicks(); err != nil {
			return err
		}
	}
}
