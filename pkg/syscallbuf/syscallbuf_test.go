package syscallbuf

import (
	"bytes"
	"testing"

	sys "golang.org/x/sys/unix"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s", s, err)
	}
}

// fakeTracee is an in-process stand-in for tracee memory.
type fakeTracee struct {
	mem  []byte
	base uint64
}

func newFakeTracee(base uint64) *fakeTracee {
	return &fakeTracee{mem: make([]byte, BufferSize), base: base}
}

func (f *fakeTracee) ReadMemory(data []byte, addr uintptr) (int, error) {
	return copy(data, f.mem[uint64(addr)-f.base:]), nil
}

func (f *fakeTracee) WriteMemory(addr uintptr, data []byte) (int, error) {
	return copy(f.mem[uint64(addr)-f.base:], data), nil
}

// fill writes a header and records into the fake ring the way the
// shim would: record bodies first, NumRecBytes last.
func (f *fakeTracee) fill(t *testing.T, recs []Record) {
	t.Helper()
	var body []byte
	for i := range recs {
		body = EncodeRecord(&recs[i], body)
	}
	copy(f.mem[HdrSize:], body)
	h := Hdr{NumRecBytes: uint32(len(body))}
	EncodeHdr(&h, f.mem[:HdrSize])
}

func testRecords() []Record {
	return []Record{
		{SyscallNo: int32(sys.SYS_CLOCK_GETTIME), Ret: 0, Payload: make([]byte, 16)},
		{SyscallNo: int32(sys.SYS_READ), Ret: 10, Desched: true, Payload: []byte("0123456789")},
		{SyscallNo: int32(sys.SYS_GETTID), Ret: 4242},
	}
}

func TestRecordCodec(t *testing.T) {
	recs := testRecords()
	var buf []byte
	for i := range recs {
		buf = EncodeRecord(&recs[i], buf)
	}
	if len(buf)%recordAlign != 0 {
		t.Fatalf("stored records not aligned: %d bytes", len(buf))
	}
	got, err := DecodeRecords(buf)
	assertNoError(err, t, "DecodeRecords")
	if len(got) != len(recs) {
		t.Fatalf("decoded %d records, want %d", len(got), len(recs))
	}
	for i, r := range got {
		if r.SyscallNo != recs[i].SyscallNo || r.Ret != recs[i].Ret || r.Desched != recs[i].Desched {
			t.Fatalf("record %d = %+v, want %+v", i, r, recs[i])
		}
		if !bytes.Equal(r.Payload, recs[i].Payload) {
			t.Fatalf("record %d payload mismatch", i)
		}
	}
}

func TestDecodeRecordsRejectsCorruption(t *testing.T) {
	recs := testRecords()
	var buf []byte
	for i := range recs {
		buf = EncodeRecord(&recs[i], buf)
	}
	// Lie about the first record's size.
	buf[4] = 0xff
	buf[5] = 0xff
	buf[6] = 0xff
	buf[7] = 0x7f
	if _, err := DecodeRecords(buf); err == nil {
		t.Fatal("expected an error for an oversized record")
	}
	if _, err := DecodeRecords(make([]byte, RecordHdrSize-4)); err == nil {
		t.Fatal("expected an error for trailing garbage")
	}
}

// TestRingExactness checks the flush invariant: the captured byte
// string is the verbatim valid prefix of the live ring.
func TestRingExactness(t *testing.T) {
	const ringAddr = 0x7f0000000000
	tracee := newFakeTracee(ringAddr)
	tracee.fill(t, testRecords())

	captured, h, err := Capture(tracee, ringAddr)
	assertNoError(err, t, "Capture")
	if uint32(len(captured)) != HdrSize+h.NumRecBytes {
		t.Fatalf("captured %d bytes, header says %d", len(captured), HdrSize+h.NumRecBytes)
	}
	if !bytes.Equal(captured, tracee.mem[:len(captured)]) {
		t.Fatal("captured bytes are not a prefix of the live ring")
	}
	// The suffix up to the ring end holds zero-initialized bytes.
	for i := len(captured); i < BufferSize; i++ {
		if tracee.mem[i] != 0 {
			t.Fatalf("dirty byte %#x at ring offset %d beyond the valid prefix", tracee.mem[i], i)
		}
	}

	recs, err := DecodeRecords(captured[HdrSize:])
	assertNoError(err, t, "DecodeRecords of captured region")
	if len(recs) != 3 {
		t.Fatalf("captured %d records, want 3", len(recs))
	}
}

func TestResetAndAbortCommit(t *testing.T) {
	const ringAddr = 0x7f0000000000
	tracee := newFakeTracee(ringAddr)
	tracee.fill(t, testRecords())

	assertNoError(SetAbortCommit(tracee, ringAddr), t, "SetAbortCommit")
	h, err := ReadHdr(tracee, ringAddr)
	assertNoError(err, t, "ReadHdr")
	if h.AbortCommit != 1 {
		t.Fatal("abort_commit not set")
	}
	if h.NumRecBytes == 0 {
		t.Fatal("abort_commit clobbered num_rec_bytes")
	}

	assertNoError(Reset(tracee, ringAddr), t, "Reset")
	h, err = ReadHdr(tracee, ringAddr)
	assertNoError(err, t, "ReadHdr after reset")
	if h.NumRecBytes != 0 {
		t.Fatal("reset did not zero num_rec_bytes")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	const ringAddr = 0x7f0000000000
	recorder := newFakeTracee(ringAddr)
	recorder.fill(t, testRecords())
	captured, _, err := Capture(recorder, ringAddr)
	assertNoError(err, t, "Capture")

	replayer := newFakeTracee(ringAddr)
	assertNoError(Restore(replayer, ringAddr, captured), t, "Restore")
	if !bytes.Equal(replayer.mem[:len(captured)], captured) {
		t.Fatal("restored ring does not match the capture")
	}
}

// TestSeccompBoundary checks the protocol property: the only IP from
// which an arbitrary syscall passes the filter is the published
// untraced entry point.
func TestSeccompBoundary(t *testing.T) {
	const entryIP = 0x00007f3512340042
	prog := FilterProgram(entryIP)

	for _, tc := range []struct {
		name string
		nr   uint32
		ip   uint64
		want uint32
	}{
		{"write from entry ip", uint32(sys.SYS_WRITE), entryIP, retAllow},
		{"write from elsewhere", uint32(sys.SYS_WRITE), entryIP + 1, retTrace},
		{"read from low garbage ip", uint32(sys.SYS_READ), 0x42, retTrace},
		{"ip with matching low word only", uint32(sys.SYS_WRITE), 0x0000444412340042, retTrace},
		{"clone from anywhere", uint32(sys.SYS_CLONE), 0x1000, retAllow},
		{"fork from anywhere", uint32(sys.SYS_FORK), 0x1000, retAllow},
		{"restart_syscall from anywhere", uint32(sys.SYS_RESTART_SYSCALL), 0x1000, retAllow},
		{"ioctl from elsewhere", uint32(sys.SYS_IOCTL), 0x1000, retTrace},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(prog, tc.nr, auditArchX8664, tc.ip)
			if got != tc.want {
				t.Fatalf("filter(%s) = %#x, want %#x", tc.name, got, tc.want)
			}
		})
	}

	// A foreign ABI never reaches the allow path, entry IP or not.
	if got := Evaluate(prog, uint32(sys.SYS_WRITE), 0x40000003, entryIP); got != retTrace {
		t.Fatalf("foreign arch = %#x, want trace", got)
	}
}

func TestFilterAssembles(t *testing.T) {
	raw, err := Filter(0x7f0000001000)
	assertNoError(err, t, "Filter")
	if len(raw) == 0 {
		t.Fatal("empty filter program")
	}
}
