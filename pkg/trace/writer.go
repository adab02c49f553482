package trace

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/memory"
)

// Version is incremented on incompatible container changes.
const Version = 16

const (
	versionFile = "version"
	eventsFile  = "events"
	dataFile    = "data"
	mmapsFile   = "mmaps"
	argsEnvFile = "args_env"
	latestLink  = "latest"
)

// ArgsEnv preserves how the recording was launched.
type ArgsEnv struct {
	Argv []string `yaml:"argv"`
	Env  []string `yaml:"env"`
	Cwd  string   `yaml:"cwd"`
}

// Writer owns a trace directory during record. Append only; frames
// are ordered by the monotonically increasing global time it assigns.
type Writer struct {
	Dir string

	events *StreamWriter
	data   *StreamWriter
	mmaps  *StreamWriter

	global uint64

	frameBuf []byte
}

// NewWriter creates a fresh trace directory under root, named after
// the traced command and the current time, and points the `latest`
// symlink at it.
func NewWriter(root, name string, ae ArgsEnv) (*Writer, error) {
	dir := filepath.Join(root, fmt.Sprintf("%s-%d", filepath.Base(name), time.Now().UnixNano()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte(strconv.Itoa(Version)+"\n"), 0644); err != nil {
		return nil, err
	}
	aeBytes, err := yaml.Marshal(ae)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, argsEnvFile), aeBytes, 0644); err != nil {
		return nil, err
	}
	w := &Writer{Dir: dir}
	if w.events, err = NewStreamWriter(filepath.Join(dir, eventsFile)); err != nil {
		return nil, err
	}
	if w.data, err = NewStreamWriter(filepath.Join(dir, dataFile)); err != nil {
		return nil, err
	}
	if w.mmaps, err = NewStreamWriter(filepath.Join(dir, mmapsFile)); err != nil {
		return nil, err
	}
	link := filepath.Join(root, latestLink)
	os.Remove(link)
	if err := os.Symlink(dir, link); err != nil && !os.IsExist(err) {
		logflags.TraceStreamLogger().Warnf("could not update latest symlink: %v", err)
	}
	return w, nil
}

// NextGlobalTime previews the time the next frame will get.
func (w *Writer) NextGlobalTime() uint64 { return w.global + 1 }

// WriteData appends payload bytes to the data stream and returns
// their offset.
func (w *Writer) WriteData(p []byte) (off uint64, err error) {
	off = w.data.Offset()
	_, err = w.data.Write(p)
	return off, err
}

// WriteFrame assigns the frame its global time and appends it to the
// events stream. Payloads must already have been placed with
// WriteData.
func (w *Writer) WriteFrame(f *Frame) (uint64, error) {
	w.global++
	f.GlobalTime = w.global
	w.frameBuf = f.Encode(w.frameBuf[:0])
	if _, err := w.events.Write(w.frameBuf); err != nil {
		return 0, err
	}
	if logflags.TraceStream() {
		logflags.TraceStreamLogger().Debugf("wrote %s", f)
	}
	return w.global, nil
}

// WriteMapping appends one observed mapping to the mmaps stream.
func (w *Writer) WriteMapping(globalTime uint64, tid int32, m memory.Mapping) error {
	name := []byte(m.Fsname)
	buf := make([]byte, 0, 64+len(name))
	var tmp [8]byte
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	put64(globalTime)
	put64(uint64(tid))
	put64(m.Start)
	put64(m.End)
	put64(m.Offset)
	put64(m.Device)
	put64(m.Inode)
	put64(uint64(uint32(m.Prot))<<32 | uint64(uint32(m.Flags)))
	put64(uint64(len(name)))
	buf = append(buf, name...)
	_, err := w.mmaps.Write(buf)
	return err
}

// Close finishes all streams. The trace is not readable until Close
// succeeds.
func (w *Writer) Close() error {
	for _, s := range []*StreamWriter{w.events, w.data, w.mmaps} {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
