// Package syscallbuf implements the tracer side of the syscall
// buffering protocol: the ring layout shared with the preload shim,
// the seccomp filter that polices the untraced entry point, and the
// flush/reset operations the recorder performs on stopped tracees.
package syscallbuf

import (
	"encoding/binary"
	"fmt"
)

// BufferSize is the fixed ring size, chosen at build time.
const BufferSize = 1 << 20

// HdrSize is the encoded size of Hdr at the start of the ring.
const HdrSize = 16

// RecordHdrSize is the fixed prefix of every record; the payload
// (outparam bytes) follows.
const RecordHdrSize = 24

// recordAlign pads stored records so headers stay naturally aligned.
const recordAlign = 8

// Hdr is the ring header. The tracee writes it; the tracer reads and
// occasionally flips AbortCommit. Both sides are synchronized by
// ptrace stops, so no atomics are involved.
type Hdr struct {
	// NumRecBytes is the length of the valid record region after the
	// header. It is advanced only after a record body is fully
	// written.
	NumRecBytes uint32
	// AbortCommit is set by the tracer when an in-progress buffered
	// syscall got recorded as a normal entry/exit pair; the shim
	// observes it at commit and drops its own record.
	AbortCommit uint8
	// Locked is the shim's re-entrancy guard; a signal handler
	// calling back into the shim sees it and falls back to a traced
	// syscall.
	Locked uint8
	// DeschedSignalArmed mirrors the desched event state for
	// diagnostics.
	DeschedSignalArmed uint8
	_                  uint8
	// MprotectRecordCount counts buffered mprotect records needing
	// page-permission fixup at flush.
	MprotectRecordCount uint32
	_                   uint32
}

// EncodeHdr writes h into buf.
func EncodeHdr(h *Hdr, buf []byte) {
	_ = buf[HdrSize-1]
	binary.LittleEndian.PutUint32(buf[0:], h.NumRecBytes)
	buf[4] = h.AbortCommit
	buf[5] = h.Locked
	buf[6] = h.DeschedSignalArmed
	buf[7] = 0
	binary.LittleEndian.PutUint32(buf[8:], h.MprotectRecordCount)
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

// DecodeHdr parses the ring header.
func DecodeHdr(buf []byte) (Hdr, error) {
	if len(buf) < HdrSize {
		return Hdr{}, fmt.Errorf("short syscallbuf header: %d bytes", len(buf))
	}
	return Hdr{
		NumRecBytes:         binary.LittleEndian.Uint32(buf[0:]),
		AbortCommit:         buf[4],
		Locked:              buf[5],
		DeschedSignalArmed:  buf[6],
		MprotectRecordCount: binary.LittleEndian.Uint32(buf[8:]),
	}, nil
}

// Record is one buffered syscall: header plus the outparam bytes the
// kernel wrote.
type Record struct {
	SyscallNo int32
	// Size covers the record header plus payload, before alignment.
	Size uint32
	Ret  int64
	// Desched is set when the desched event was armed around the
	// syscall.
	Desched bool
	Payload []byte
}

// StoredSize returns the ring footprint of a record of the given
// unaligned size.
func StoredSize(size uint32) uint32 {
	return (size + recordAlign - 1) &^ (recordAlign - 1)
}

// EncodeRecord appends the stored form of r to buf.
func EncodeRecord(r *Record, buf []byte) []byte {
	r.Size = RecordHdrSize + uint32(len(r.Payload))
	var hdr [RecordHdrSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(r.SyscallNo))
	binary.LittleEndian.PutUint32(hdr[4:], r.Size)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(r.Ret))
	if r.Desched {
		hdr[16] = 1
	}
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Payload...)
	for pad := StoredSize(r.Size) - r.Size; pad > 0; pad-- {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeRecords parses the valid record region of a ring (everything
// after the header, numRecBytes long).
func DecodeRecords(region []byte) ([]Record, error) {
	var out []Record
	off := uint32(0)
	for off < uint32(len(region)) {
		if uint32(len(region))-off < RecordHdrSize {
			return nil, fmt.Errorf("trailing garbage in syscallbuf: %d bytes at offset %d",
				uint32(len(region))-off, off)
		}
		var r Record
		r.SyscallNo = int32(binary.LittleEndian.Uint32(region[off:]))
		r.Size = binary.LittleEndian.Uint32(region[off+4:])
		r.Ret = int64(binary.LittleEndian.Uint64(region[off+8:]))
		r.Desched = region[off+16] != 0
		if r.Size < RecordHdrSize || off+StoredSize(r.Size) > uint32(len(region)) {
			return nil, fmt.Errorf("corrupt syscallbuf record at offset %d: size %d", off, r.Size)
		}
		r.Payload = region[off+RecordHdrSize : off+r.Size]
		out = append(out, r)
		off += StoredSize(r.Size)
	}
	return out, nil
}

// InitSyscall is the pseudo-syscall number the shim issues once at
// startup to hand the tracer its untraced entry IP and receive the
// ring mapping in return. It is far above any real syscall so the
// kernel rejects it with ENOSYS if it ever executes for real.
const InitSyscall = 1000

// DeschedIoctlEnable and DeschedIoctlDisable are the perf ioctls the
// shim issues (via the untraced entry) to arm and disarm its desched
// event.
const (
	DeschedIoctlEnable  = 0x2400 // PERF_EVENT_IOC_ENABLE
	DeschedIoctlDisable = 0x2401 // PERF_EVENT_IOC_DISABLE
)
