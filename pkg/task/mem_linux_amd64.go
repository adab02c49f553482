package task

import (
	"encoding/binary"
)

// ReadMemory reads tracee memory at addr into data.
func (t *Task) ReadMemory(data []byte, addr uintptr) (n int, err error) {
	if t.state == Exited {
		return 0, ErrProcessExited{Tid: t.Tid}
	}
	if len(data) == 0 {
		return
	}
	t.ptracer.Do(func() { n, err = processVMRead(t.Tid, addr, data) })
	return
}

// WriteMemory writes data into tracee memory at addr.
func (t *Task) WriteMemory(addr uintptr, data []byte) (written int, err error) {
	if t.state == Exited {
		return 0, ErrProcessExited{Tid: t.Tid}
	}
	if len(data) == 0 {
		return
	}
	t.ptracer.Do(func() { written, err = processVMWrite(t.Tid, addr, data) })
	return
}

// ReadMemoryHidingBreakpoints reads tracee memory but substitutes the
// saved original byte wherever the address space has a software
// breakpoint installed, so a tracee inspecting its own text never
// observes a breakpoint byte.
func (t *Task) ReadMemoryHidingBreakpoints(data []byte, addr uintptr) (int, error) {
	n, err := t.ReadMemory(data, addr)
	if err != nil {
		return n, err
	}
	if t.AS != nil {
		t.AS.HideBreakpoints(uint64(addr), data[:n])
	}
	return n, nil
}

// ReadUint64 reads a little-endian 64-bit word of tracee memory.
func (t *Task) ReadUint64(addr uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := t.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64-bit word of tracee memory.
func (t *Task) WriteUint64(addr uintptr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := t.WriteMemory(addr, buf[:])
	return err
}
