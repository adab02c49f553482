package trace

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/syscalls"
	"github.com/go-rerun/rerun/pkg/task"
)

// Frame is the serialized form of one event for one task. Frames in
// the events stream are fixed size; variable-length payloads (syscall
// outparams, flushed rings, siginfo, xsave areas) live in the data
// stream at [DataOff, DataOff+DataLen) and [ExtraOff,
// ExtraOff+ExtraLen).
type Frame struct {
	GlobalTime uint64
	Tid        int32
	Event      Event
	Ticks      uint64
	Regs       task.Registers

	DataOff  uint64
	DataLen  uint32
	ExtraOff uint64
	ExtraLen uint32
}

const regsSize = int(unsafe.Sizeof(sys.PtraceRegs{}))

// frame flag bits
const (
	flagEntry = 1 << iota
	flagDeterministic
	flagDeschedDisarm
)

// FrameSize is the fixed encoded size of a Frame in the events stream.
const FrameSize = 8 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 8 + 8 + 4 + 8 + 4 + regsSize

// Encode appends the fixed-size wire form of f to buf.
func (f *Frame) Encode(buf []byte) []byte {
	var hdr [FrameSize - regsSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], f.GlobalTime)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(f.Tid))
	hdr[12] = byte(f.Event.Kind)
	var flags byte
	if f.Event.Entry {
		flags |= flagEntry
	}
	if f.Event.Deterministic {
		flags |= flagDeterministic
	}
	if f.Event.Desched == DeschedDisarming {
		flags |= flagDeschedDisarm
	}
	hdr[13] = flags
	hdr[14] = byte(f.Event.Arch)
	hdr[15] = 0
	binary.LittleEndian.PutUint32(hdr[16:], uint32(eventNumber(&f.Event)))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(f.Event.ExitStatus))
	binary.LittleEndian.PutUint64(hdr[24:], f.Ticks)
	binary.LittleEndian.PutUint64(hdr[32:], f.DataOff)
	binary.LittleEndian.PutUint32(hdr[40:], f.DataLen)
	binary.LittleEndian.PutUint64(hdr[44:], f.ExtraOff)
	binary.LittleEndian.PutUint32(hdr[52:], f.ExtraLen)
	buf = append(buf, hdr[:]...)
	buf = append(buf, regsBytes(&f.Regs)...)
	return buf
}

// eventNumber packs the per-kind numeric payload: syscall number,
// signal number or inner desched syscall.
func eventNumber(e *Event) int {
	switch e.Kind {
	case EvSyscall:
		return e.SyscallNo
	case EvSignal, EvSegvRdtsc:
		return e.SigNo
	case EvDesched:
		return e.InnerSyscall
	}
	return 0
}

// DecodeFrame parses one fixed-size frame from buf.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, fmt.Errorf("%w: short frame (%d bytes)", ErrTraceCorrupt, len(buf))
	}
	var f Frame
	f.GlobalTime = binary.LittleEndian.Uint64(buf[0:])
	f.Tid = int32(binary.LittleEndian.Uint32(buf[8:]))
	f.Event.Kind = EventKind(buf[12])
	if f.Event.Kind == EvInvalid || f.Event.Kind > EvTraceTermination {
		return Frame{}, fmt.Errorf("%w: bad event kind %d at time %d", ErrTraceCorrupt, buf[12], f.GlobalTime)
	}
	flags := buf[13]
	f.Event.Entry = flags&flagEntry != 0
	f.Event.Deterministic = flags&flagDeterministic != 0
	if flags&flagDeschedDisarm != 0 {
		f.Event.Desched = DeschedDisarming
	}
	f.Event.Arch = syscalls.Arch(buf[14])
	num := int(int32(binary.LittleEndian.Uint32(buf[16:])))
	switch f.Event.Kind {
	case EvSyscall:
		f.Event.SyscallNo = num
	case EvSignal, EvSegvRdtsc:
		f.Event.SigNo = num
	case EvDesched:
		f.Event.InnerSyscall = num
	}
	f.Event.ExitStatus = int(int32(binary.LittleEndian.Uint32(buf[20:])))
	f.Ticks = binary.LittleEndian.Uint64(buf[24:])
	f.DataOff = binary.LittleEndian.Uint64(buf[32:])
	f.DataLen = binary.LittleEndian.Uint32(buf[40:])
	f.ExtraOff = binary.LittleEndian.Uint64(buf[44:])
	f.ExtraLen = binary.LittleEndian.Uint32(buf[52:])
	copy(regsBytes(&f.Regs), buf[FrameSize-regsSize:FrameSize])
	return f, nil
}

// regsBytes views the register file as its raw bytes. PtraceRegs is a
// fixed flat struct so this is its wire form on amd64.
func regsBytes(r *task.Registers) []byte {
	return (*[regsSize]byte)(unsafe.Pointer(&r.PtraceRegs))[:]
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{t=%d tid=%d %s ticks=%d ip=%#x}",
		f.GlobalTime, f.Tid, f.Event, f.Ticks, f.Regs.IP())
}
