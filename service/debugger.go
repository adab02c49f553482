package service

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/go-rerun/rerun/pkg/diversion"
	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/replay"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// Debugger adapts a replay session to the command channel. It owns
// the frame cursor, the selected thread and, while one is live, the
// diversion slot.
type Debugger struct {
	sess   *replay.Session
	driver *replay.Driver

	current *task.Task

	// div is the active diversion, nil outside diversions. It is the
	// only reference to it; the slot travels with this Debugger.
	div *diversion.Session

	atEnd bool
}

// NewDebugger wraps a session and its driver.
func NewDebugger(sess *replay.Session, driver *replay.Driver) *Debugger {
	return &Debugger{sess: sess, driver: driver}
}

func (d *Debugger) currentTask() (*task.Task, error) {
	if d.current != nil {
		return d.current, nil
	}
	tids, _ := d.Threads()
	if len(tids) == 0 {
		return nil, fmt.Errorf("no live tasks")
	}
	t, _ := d.sess.FindTask(tids[0])
	d.current = t
	return t, nil
}

// Continue replays frames until a breakpoint hit or trace end. The
// reply encodes the stop reason. Watchpoints are not checked here.
func (d *Debugger) Continue() ([]byte, error) {
	if d.div != nil {
		// Diversion refcount rule: a zero count retires the
		// diversion on the next resume, before anything runs.
		if d.div.CheckFinished() {
			d.div = nil
			return []byte("diversion-exited"), nil
		}
		t, err := d.currentTask()
		if err != nil {
			return nil, err
		}
		if err := d.div.Resume(t, 0); err != nil {
			return nil, err
		}
		if !d.div.Active() {
			d.div = nil
			return []byte("diversion-exited"), nil
		}
		return []byte("diversion-stop"), nil
	}
	for {
		f, err := d.sess.Reader().Next()
		if err == io.EOF {
			d.atEnd = true
			return []byte("trace-end"), nil
		}
		if err != nil {
			return nil, err
		}
		if err := d.driver.ApplyFrame(&f); err != nil {
			return nil, err
		}
		if t, ok := d.sess.TaskFor(f.Tid); ok {
			d.current = t
			if bp, hit := t.AS.FindBreakpoint(t.Regs.IP()); hit {
				return []byte(fmt.Sprintf("breakpoint %#x", bp.Addr)), nil
			}
		}
	}
}

// Step applies exactly one frame.
func (d *Debugger) Step() ([]byte, error) {
	f, err := d.sess.Reader().Next()
	if err == io.EOF {
		d.atEnd = true
		return []byte("trace-end"), nil
	}
	if err != nil {
		return nil, err
	}
	if err := d.driver.ApplyFrame(&f); err != nil {
		return nil, err
	}
	if t, ok := d.sess.TaskFor(f.Tid); ok {
		d.current = t
	}
	return []byte(fmt.Sprintf("stopped %d", f.GlobalTime)), nil
}

// ReadRegisters returns the raw register file of the selected thread.
func (d *Debugger) ReadRegisters() ([]byte, error) {
	t, err := d.currentTask()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, trace.FrameSize)
	f := trace.Frame{Regs: t.Regs}
	return f.Encode(buf[:0]), nil
}

// WriteRegisters is only honored inside a diversion; outside one it
// would desynchronize replay.
func (d *Debugger) WriteRegisters(data []byte) error {
	if d.div == nil {
		return fmt.Errorf("register writes require a diversion")
	}
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	f, err := trace.DecodeFrame(data)
	if err != nil {
		return err
	}
	t.Regs = f.Regs
	return t.SetRegisters()
}

// ReadMemory reads tracee memory, breakpoint bytes hidden.
func (d *Debugger) ReadMemory(addr uint64, n int) ([]byte, error) {
	t, err := d.currentTask()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := t.ReadMemoryHidingBreakpoints(buf, uintptr(addr))
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// WriteMemory pokes tracee memory. Outside a diversion this is the
// debugger's own risk; diversions are the supported path.
func (d *Debugger) WriteMemory(addr uint64, data []byte) error {
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	_, err = t.WriteMemory(uintptr(addr), data)
	return err
}

// breakInsn is INT3.
const breakInsn = 0xcc

// SetBreakpoint installs a software breakpoint.
func (d *Debugger) SetBreakpoint(addr uint64) error {
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	var orig [1]byte
	if _, err := t.ReadMemory(orig[:], uintptr(addr)); err != nil {
		return err
	}
	if t.AS.AddBreakpoint(addr, orig[0]) {
		if _, err := t.WriteMemory(uintptr(addr), []byte{breakInsn}); err != nil {
			t.AS.RemoveBreakpoint(addr)
			return err
		}
	}
	return nil
}

// ClearBreakpoint removes one reference, restoring text on the last.
func (d *Debugger) ClearBreakpoint(addr uint64) error {
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	orig, restore := t.AS.RemoveBreakpoint(addr)
	if restore {
		if _, err := t.WriteMemory(uintptr(addr), []byte{orig}); err != nil {
			return err
		}
	}
	return nil
}

// SetWatchpoint installs a watchpoint of the given kind ("r", "w",
// "rw").
func (d *Debugger) SetWatchpoint(addr uint64, n int, kind string) error {
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	var wk memory.WatchKind
	switch kind {
	case "r":
		wk = memory.WatchRead
	case "w":
		wk = memory.WatchWrite
	case "rw":
		wk = memory.WatchReadWrite
	default:
		return fmt.Errorf("bad watchpoint kind %q", kind)
	}
	t.AS.AddWatchpoint(addr, n, wk)
	return nil
}

// ClearWatchpoint removes one watchpoint reference.
func (d *Debugger) ClearWatchpoint(addr uint64) error {
	t, err := d.currentTask()
	if err != nil {
		return err
	}
	t.AS.RemoveWatchpoint(addr)
	return nil
}

// ReadSiginfo starts (or references) a diversion and returns the
// stopped task's siginfo bytes.
func (d *Debugger) ReadSiginfo() ([]byte, error) {
	if d.div == nil {
		d.div = diversion.New(d.sess.FindTask)
	} else {
		d.div.Ref()
	}
	t, err := d.currentTask()
	if err != nil {
		return nil, err
	}
	st := t.Status()
	if st.Siginfo == nil {
		return make([]byte, 16), nil
	}
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(st.Siginfo.Signo))
	binary.LittleEndian.PutUint32(buf[4:], uint32(st.Siginfo.Errno))
	binary.LittleEndian.PutUint32(buf[8:], uint32(st.Siginfo.Code))
	return buf[:], nil
}

// WriteSiginfo drops one diversion reference.
func (d *Debugger) WriteSiginfo(data []byte) error {
	if d.div == nil {
		return fmt.Errorf("no diversion to write siginfo into")
	}
	d.div.Unref()
	return nil
}

// Restart rewinds the trace cursor; any live diversion is discarded.
func (d *Debugger) Restart() error {
	d.div = nil
	d.atEnd = false
	d.sess.Reader().Rewind()
	return nil
}

// Threads lists live tasks.
func (d *Debugger) Threads() ([]int, error) {
	var tids []int
	for tid := range d.sess.Tasks() {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// SelectThread switches the command focus.
func (d *Debugger) SelectThread(tid int) error {
	t, ok := d.sess.FindTask(tid)
	if !ok {
		return fmt.Errorf("no task %d", tid)
	}
	d.current = t
	return nil
}
