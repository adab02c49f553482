package trace

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rerun/rerun/pkg/memory"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s", s, err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream")

	w, err := NewStreamWriter(path)
	assertNoError(err, t, "NewStreamWriter")
	payload := make([]byte, 3*ChunkSize+12345)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	_, err = w.Write(payload)
	assertNoError(err, t, "Write")
	assertNoError(w.Close(), t, "Close")

	r, err := OpenStream(path)
	assertNoError(err, t, "OpenStream")
	defer r.Close()
	if r.Size() != uint64(len(payload)) {
		t.Fatalf("stream size = %d, want %d", r.Size(), len(payload))
	}
	got := make([]byte, len(payload))
	_, err = io.ReadFull(r, got)
	assertNoError(err, t, "ReadFull")
	if !bytes.Equal(got, payload) {
		t.Fatal("sequential read does not match written payload")
	}

	// Random access across a chunk boundary.
	buf := make([]byte, 64)
	_, err = r.ReadAt(buf, ChunkSize-32)
	assertNoError(err, t, "ReadAt across chunk boundary")
	if !bytes.Equal(buf, payload[ChunkSize-32:ChunkSize+32]) {
		t.Fatal("cross-chunk ReadAt does not match payload")
	}
}

func TestStreamCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream")
	w, err := NewStreamWriter(path)
	assertNoError(err, t, "NewStreamWriter")
	_, err = w.Write(make([]byte, 1000))
	assertNoError(err, t, "Write")
	assertNoError(w.Close(), t, "Close")

	raw, err := os.ReadFile(path)
	assertNoError(err, t, "ReadFile")

	for _, tc := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] ^= 0xff; return b }},
		{"truncated body", func(b []byte) []byte { return b[:len(b)-5] }},
		{"truncated header", func(b []byte) []byte { return b[:6] }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mangled := tc.mangle(append([]byte(nil), raw...))
			p := filepath.Join(dir, "mangled-"+tc.name)
			assertNoError(os.WriteFile(p, mangled, 0644), t, "WriteFile")
			_, err := OpenStream(p)
			if !errors.Is(err, ErrTraceCorrupt) {
				t.Fatalf("OpenStream = %v, want ErrTraceCorrupt", err)
			}
		})
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	f := Frame{
		GlobalTime: 42,
		Tid:        1234,
		Event: Event{
			Kind:      EvSyscall,
			SyscallNo: 1,
			Entry:     true,
		},
		Ticks:    987654321,
		DataOff:  1 << 33,
		DataLen:  512,
		ExtraOff: 77,
		ExtraLen: 832,
	}
	f.Regs.Rip = 0x401000
	f.Regs.Rax = 0xdeadbeef
	f.Regs.Rsp = 0x7ffc0000

	enc := f.Encode(nil)
	if len(enc) != FrameSize {
		t.Fatalf("encoded frame is %d bytes, want %d", len(enc), FrameSize)
	}
	got, err := DecodeFrame(enc)
	assertNoError(err, t, "DecodeFrame")
	if got.GlobalTime != f.GlobalTime || got.Tid != f.Tid || got.Ticks != f.Ticks {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if got.Event != f.Event {
		t.Fatalf("decoded event = %+v, want %+v", got.Event, f.Event)
	}
	if !got.Regs.Equal(&f.Regs) {
		t.Fatal("decoded registers differ")
	}
	if got.DataOff != f.DataOff || got.DataLen != f.DataLen || got.ExtraOff != f.ExtraOff || got.ExtraLen != f.ExtraLen {
		t.Fatal("decoded payload references differ")
	}
}

func TestFrameDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame(make([]byte, 10))
	if !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("short frame: err = %v, want ErrTraceCorrupt", err)
	}
	buf := make([]byte, FrameSize)
	buf[12] = 0xee // event kind
	_, err = DecodeFrame(buf)
	if !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("bad event kind: err = %v, want ErrTraceCorrupt", err)
	}
}

func writeTestTrace(t *testing.T, root string, frames []Frame, payloads [][]byte) string {
	t.Helper()
	w, err := NewWriter(root, "testprog", ArgsEnv{Argv: []string{"/bin/testprog"}, Cwd: "/tmp"})
	assertNoError(err, t, "NewWriter")
	for i := range frames {
		if payloads[i] != nil {
			off, err := w.WriteData(payloads[i])
			assertNoError(err, t, "WriteData")
			frames[i].DataOff = off
			frames[i].DataLen = uint32(len(payloads[i]))
		}
		_, err := w.WriteFrame(&frames[i])
		assertNoError(err, t, "WriteFrame")
	}
	assertNoError(w.Close(), t, "writer Close")
	return w.Dir
}

func TestWriterReaderRoundTrip(t *testing.T) {
	root := t.TempDir()
	frames := []Frame{
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: 1, Entry: true}, Ticks: 10},
		{Tid: 100, Event: Event{Kind: EvSyscall, SyscallNo: 1}, Ticks: 10},
		{Tid: 100, Event: Event{Kind: EvSched}, Ticks: 500},
		{Tid: 101, Event: Event{Kind: EvSignal, SigNo: 10, Deterministic: true}, Ticks: 700},
		{Tid: 100, Event: Event{Kind: EvExit, ExitStatus: 0}, Ticks: 900},
	}
	payloads := [][]byte{nil, []byte("EXIT-SUCCESS"), nil, nil, nil}
	dir := writeTestTrace(t, root, frames, payloads)

	r, err := Open(dir)
	assertNoError(err, t, "Open")
	defer r.Close()
	if r.Frames() != uint64(len(frames)) {
		t.Fatalf("Frames() = %d, want %d", r.Frames(), len(frames))
	}
	if got := r.ArgsEnv().Argv[0]; got != "/bin/testprog" {
		t.Fatalf("argv[0] = %q", got)
	}
	for i := 0; ; i++ {
		f, err := r.Next()
		if err == io.EOF {
			if i != len(frames) {
				t.Fatalf("got %d frames, want %d", i, len(frames))
			}
			break
		}
		assertNoError(err, t, "Next")
		// Global time is strictly ordered and assigned by the writer.
		if f.GlobalTime != uint64(i+1) {
			t.Fatalf("frame %d has global time %d", i, f.GlobalTime)
		}
		if f.Event.Kind != frames[i].Event.Kind {
			t.Fatalf("frame %d kind = %v, want %v", i, f.Event.Kind, frames[i].Event.Kind)
		}
		data, err := r.Data(&f)
		assertNoError(err, t, "Data")
		if !bytes.Equal(data, payloads[i]) {
			t.Fatalf("frame %d payload = %q, want %q", i, data, payloads[i])
		}
	}
}

func TestOpenRejectsBadVersion(t *testing.T) {
	root := t.TempDir()
	dir := writeTestTrace(t, root,
		[]Frame{{Tid: 1, Event: Event{Kind: EvSched}}}, [][]byte{nil})
	assertNoError(os.WriteFile(filepath.Join(dir, "version"), []byte("9999\n"), 0644), t, "WriteFile")
	_, err := Open(dir)
	if !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("Open with bad version = %v, want ErrTraceCorrupt", err)
	}
}

func TestMappingsRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root, "maps", ArgsEnv{Argv: []string{"maps"}})
	assertNoError(err, t, "NewWriter")
	want := memory.Mapping{
		Start: 0x400000, End: 0x500000,
		Prot: memory.ProtRead | memory.ProtExec, Flags: 2,
		Offset: 0x1000, Device: 8, Inode: 12345,
		Fsname: "/usr/bin/testprog",
	}
	assertNoError(w.WriteMapping(3, 100, want), t, "WriteMapping")
	f := Frame{Tid: 100, Event: Event{Kind: EvSched}}
	_, err = w.WriteFrame(&f)
	assertNoError(err, t, "WriteFrame")
	assertNoError(w.Close(), t, "Close")

	r, err := Open(w.Dir)
	assertNoError(err, t, "Open")
	defer r.Close()
	recs, err := r.Mappings()
	assertNoError(err, t, "Mappings")
	if len(recs) != 1 {
		t.Fatalf("got %d mapping records, want 1", len(recs))
	}
	if recs[0].GlobalTime != 3 || recs[0].Tid != 100 {
		t.Fatalf("mapping record header = %+v", recs[0])
	}
	if recs[0].Map != want {
		t.Fatalf("mapping = %+v, want %+v", recs[0].Map, want)
	}
}
