package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-rerun/rerun/pkg/memory"
)

// MappingRecord is one entry of the mmaps stream.
type MappingRecord struct {
	GlobalTime uint64
	Tid        int32
	Map        memory.Mapping
}

// Reader opens a finished trace directory for replay.
type Reader struct {
	Dir string

	events *StreamReader
	data   *StreamReader

	// next is the ordinal of the next frame Next returns.
	next uint64
	// frames counts the total frames in the events stream.
	frames uint64

	argsEnv ArgsEnv
}

// ResolveDir turns a user-supplied trace path ("" means latest) into
// a trace directory.
func ResolveDir(root, arg string) (string, error) {
	if arg == "" {
		arg = filepath.Join(root, latestLink)
	} else if !strings.ContainsRune(arg, os.PathSeparator) {
		arg = filepath.Join(root, arg)
	}
	dir, err := filepath.EvalSymlinks(arg)
	if err != nil {
		return "", fmt.Errorf("no trace at %s: %w", arg, err)
	}
	return dir, nil
}

// Open validates the version and indexes the streams.
func Open(dir string) (*Reader, error) {
	vbuf, err := os.ReadFile(filepath.Join(dir, versionFile))
	if err != nil {
		return nil, fmt.Errorf("%w: missing version file", ErrTraceCorrupt)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(vbuf)))
	if err != nil || v != Version {
		return nil, fmt.Errorf("%w: version %q, want %d", ErrTraceCorrupt, strings.TrimSpace(string(vbuf)), Version)
	}
	r := &Reader{Dir: dir}
	if r.events, err = OpenStream(filepath.Join(dir, eventsFile)); err != nil {
		return nil, err
	}
	if r.events.Size()%FrameSize != 0 {
		return nil, fmt.Errorf("%w: events stream not a whole number of frames", ErrTraceCorrupt)
	}
	r.frames = r.events.Size() / FrameSize
	if r.data, err = OpenStream(filepath.Join(dir, dataFile)); err != nil {
		return nil, err
	}
	aeBytes, err := os.ReadFile(filepath.Join(dir, argsEnvFile))
	if err == nil {
		yaml.Unmarshal(aeBytes, &r.argsEnv)
	}
	return r, nil
}

// ArgsEnv returns the recorded launch parameters.
func (r *Reader) ArgsEnv() ArgsEnv { return r.argsEnv }

// Frames returns the number of frames in the trace.
func (r *Reader) Frames() uint64 { return r.frames }

// Next returns the next frame in global-time order, or io.EOF.
func (r *Reader) Next() (Frame, error) {
	if r.next >= r.frames {
		return Frame{}, io.EOF
	}
	var buf [FrameSize]byte
	if _, err := r.events.ReadAt(buf[:], r.next*FrameSize); err != nil {
		return Frame{}, err
	}
	f, err := DecodeFrame(buf[:])
	if err != nil {
		return Frame{}, err
	}
	r.next++
	if f.GlobalTime != r.next {
		return Frame{}, fmt.Errorf("%w: frame %d carries global time %d", ErrTraceCorrupt, r.next, f.GlobalTime)
	}
	return f, nil
}

// Peek returns the next frame without consuming it.
func (r *Reader) Peek() (Frame, error) {
	f, err := r.Next()
	if err != nil {
		return f, err
	}
	r.next--
	return f, nil
}

// Rewind restarts frame iteration, for restart-from-checkpoint.
func (r *Reader) Rewind() { r.next = 0 }

// Data reads a frame's payload from the data stream.
func (r *Reader) Data(f *Frame) ([]byte, error) {
	if f.DataLen == 0 {
		return nil, nil
	}
	buf := make([]byte, f.DataLen)
	if _, err := r.data.ReadAt(buf, f.DataOff); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExtraData reads a frame's extra-registers payload.
func (r *Reader) ExtraData(f *Frame) ([]byte, error) {
	if f.ExtraLen == 0 {
		return nil, nil
	}
	buf := make([]byte, f.ExtraLen)
	if _, err := r.data.ReadAt(buf, f.ExtraOff); err != nil {
		return nil, err
	}
	return buf, nil
}

// Mappings reads the whole mmaps stream.
func (r *Reader) Mappings() ([]MappingRecord, error) {
	sr, err := OpenStream(filepath.Join(r.Dir, mmapsFile))
	if err != nil {
		return nil, err
	}
	defer sr.Close()
	var out []MappingRecord
	var hdr [72]byte
	for {
		if _, err := io.ReadFull(sr, hdr[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("%w: truncated mmaps record", ErrTraceCorrupt)
		}
		var rec MappingRecord
		rec.GlobalTime = binary.LittleEndian.Uint64(hdr[0:])
		rec.Tid = int32(binary.LittleEndian.Uint64(hdr[8:]))
		rec.Map.Start = binary.LittleEndian.Uint64(hdr[16:])
		rec.Map.End = binary.LittleEndian.Uint64(hdr[24:])
		rec.Map.Offset = binary.LittleEndian.Uint64(hdr[32:])
		rec.Map.Device = binary.LittleEndian.Uint64(hdr[40:])
		rec.Map.Inode = binary.LittleEndian.Uint64(hdr[48:])
		pf := binary.LittleEndian.Uint64(hdr[56:])
		rec.Map.Prot = int(int32(pf >> 32))
		rec.Map.Flags = int(int32(pf))
		nameLen := binary.LittleEndian.Uint64(hdr[64:])
		if nameLen > 4096 {
			return nil, fmt.Errorf("%w: absurd mapping name length %d", ErrTraceCorrupt, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(sr, name); err != nil {
			return nil, fmt.Errorf("%w: truncated mapping name", ErrTraceCorrupt)
		}
		rec.Map.Fsname = string(name)
		out = append(out, rec)
	}
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.events.Close()
	return r.data.Close()
}
