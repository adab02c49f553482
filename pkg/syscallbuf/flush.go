package syscallbuf

import (
	"fmt"

	"github.com/go-rerun/rerun/pkg/logflags"
)

// Memory is the slice of the task API the tracer-side ring operations
// need. Both record and replay tasks satisfy it; tests use an
// in-process fake.
type Memory interface {
	ReadMemory(data []byte, addr uintptr) (int, error)
	WriteMemory(addr uintptr, data []byte) (int, error)
}

// ReadHdr fetches the ring header from tracee memory.
func ReadHdr(m Memory, ringAddr uint64) (Hdr, error) {
	var buf [HdrSize]byte
	if _, err := m.ReadMemory(buf[:], uintptr(ringAddr)); err != nil {
		return Hdr{}, fmt.Errorf("could not read syscallbuf header: %w", err)
	}
	return DecodeHdr(buf[:])
}

// WriteHdr stores the ring header back into tracee memory.
func WriteHdr(m Memory, ringAddr uint64, h *Hdr) error {
	var buf [HdrSize]byte
	EncodeHdr(h, buf[:])
	if _, err := m.WriteMemory(uintptr(ringAddr), buf[:]); err != nil {
		return fmt.Errorf("could not write syscallbuf header: %w", err)
	}
	return nil
}

// Capture reads the valid prefix of the ring: header plus
// NumRecBytes of records, verbatim. This is the byte string a
// SYSCALLBUF_FLUSH frame carries.
func Capture(m Memory, ringAddr uint64) ([]byte, Hdr, error) {
	h, err := ReadHdr(m, ringAddr)
	if err != nil {
		return nil, Hdr{}, err
	}
	if h.NumRecBytes > BufferSize-HdrSize {
		return nil, Hdr{}, fmt.Errorf("syscallbuf header claims %d record bytes, ring is %d",
			h.NumRecBytes, BufferSize)
	}
	buf := make([]byte, HdrSize+h.NumRecBytes)
	if _, err := m.ReadMemory(buf, uintptr(ringAddr)); err != nil {
		return nil, Hdr{}, fmt.Errorf("could not capture syscallbuf: %w", err)
	}
	return buf, h, nil
}

// Reset zeroes the record region accounting after a flush. The shim
// restarts writing at the beginning of the ring.
func Reset(m Memory, ringAddr uint64) error {
	h, err := ReadHdr(m, ringAddr)
	if err != nil {
		return err
	}
	h.NumRecBytes = 0
	h.MprotectRecordCount = 0
	if err := WriteHdr(m, ringAddr, &h); err != nil {
		return err
	}
	if logflags.Syscallbuf() {
		logflags.SyscallbufLogger().Debugf("reset ring at %#x", ringAddr)
	}
	return nil
}

// SetAbortCommit flags the ring so the shim drops the record of the
// in-progress syscall, which the tracer has recorded as a normal
// entry/exit pair instead. Upholds the one-representation-per-syscall
// invariant.
func SetAbortCommit(m Memory, ringAddr uint64) error {
	h, err := ReadHdr(m, ringAddr)
	if err != nil {
		return err
	}
	h.AbortCommit = 1
	return WriteHdr(m, ringAddr, &h)
}

// Restore writes a captured flush payload back into a replay tracee's
// ring, so the shim's wrapper sequence replays against the recorded
// data.
func Restore(m Memory, ringAddr uint64, captured []byte) error {
	if len(captured) < HdrSize {
		return fmt.Errorf("captured ring too short: %d bytes", len(captured))
	}
	if _, err := m.WriteMemory(uintptr(ringAddr), captured); err != nil {
		return fmt.Errorf("could not restore syscallbuf: %w", err)
	}
	return nil
}
