package trace

import (
	"fmt"
	"io"
)

// Validate scans a whole trace for structural invariants:
//
//   - global times are strictly increasing from 1;
//   - every SYSCALL(enter) for a task is matched by a later
//     SYSCALL(exit) unless the task exits mid-syscall;
//   - every task that ever appears emits a final EXIT or
//     UNSTABLE_EXIT frame.
//
// It consumes the reader; callers Rewind afterwards if they need the
// frames again.
func Validate(r *Reader) error {
	type taskState struct {
		inSyscall bool
		syscallNo int
		exited    bool
	}
	tasks := make(map[int32]*taskState)
	var last uint64
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if f.GlobalTime != last+1 {
			return fmt.Errorf("%w: global time %d follows %d", ErrTraceCorrupt, f.GlobalTime, last)
		}
		last = f.GlobalTime
		if f.Event.Kind == EvTraceTermination {
			continue
		}
		st := tasks[f.Tid]
		if st == nil {
			st = &taskState{}
			tasks[f.Tid] = st
		}
		if st.exited {
			return fmt.Errorf("%w: frame %d for task %d after its exit", ErrTraceCorrupt, f.GlobalTime, f.Tid)
		}
		switch f.Event.Kind {
		case EvSyscall:
			if f.Event.Entry {
				if st.inSyscall {
					return fmt.Errorf("%w: frame %d enters a syscall while task %d is inside %d",
						ErrTraceCorrupt, f.GlobalTime, f.Tid, st.syscallNo)
				}
				st.inSyscall = true
				st.syscallNo = f.Event.SyscallNo
			} else {
				if !st.inSyscall {
					return fmt.Errorf("%w: frame %d exits a syscall task %d never entered",
						ErrTraceCorrupt, f.GlobalTime, f.Tid)
				}
				if st.syscallNo != f.Event.SyscallNo {
					return fmt.Errorf("%w: frame %d exits syscall %d, task %d is inside %d",
						ErrTraceCorrupt, f.GlobalTime, f.Event.SyscallNo, f.Tid, st.syscallNo)
				}
				st.inSyscall = false
			}
		case EvExit, EvUnstableExit:
			st.exited = true
		}
	}
	for tid, st := range tasks {
		if !st.exited {
			return fmt.Errorf("%w: task %d never emits a final exit frame", ErrTraceCorrupt, tid)
		}
	}
	return nil
}
