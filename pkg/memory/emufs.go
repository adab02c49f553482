package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-rerun/rerun/pkg/logflags"
)

// EmuKey identifies a record-time file by its device, inode and size.
type EmuKey struct {
	Device uint64
	Inode  uint64
	Size   uint64
}

// EmuFile is one tracer-owned temporary file standing in for a
// record-time file during replay.
type EmuFile struct {
	Key  EmuKey
	File *os.File
	// RecordedName is the path the file had at record time, retained
	// for diagnostics only.
	RecordedName string

	refcount int
}

// EmuFs owns the pool of replay-side backing files for shared memory.
// On any replay-time mmap(MAP_SHARED, fd) the driver maps the
// corresponding EmuFs file at the recorded address instead of the
// original, so writes through shared mappings never touch real files.
type EmuFs struct {
	dir   string
	files map[EmuKey]*EmuFile
}

// NewEmuFs creates an emulated filesystem rooted in a fresh temporary
// directory.
func NewEmuFs() (*EmuFs, error) {
	dir, err := os.MkdirTemp("", "rerun-emufs")
	if err != nil {
		return nil, fmt.Errorf("could not create emufs directory: %w", err)
	}
	return &EmuFs{dir: dir, files: make(map[EmuKey]*EmuFile)}, nil
}

// GetOrCreate returns the backing file for key, creating and sizing
// it on first use, and takes a reference.
func (fs *EmuFs) GetOrCreate(key EmuKey, recordedName string) (*EmuFile, error) {
	if f, ok := fs.files[key]; ok {
		f.refcount++
		return f, nil
	}
	name := filepath.Join(fs.dir, fmt.Sprintf("%d-%d-%d", key.Device, key.Inode, key.Size))
	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not create emufs backing file: %w", err)
	}
	if err := file.Truncate(int64(key.Size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not size emufs backing file: %w", err)
	}
	f := &EmuFile{Key: key, File: file, RecordedName: recordedName, refcount: 1}
	fs.files[key] = f
	if logflags.Replay() {
		logflags.ReplayLogger().Debugf("emufs: created backing file for %q (dev %d inode %d size %d)",
			recordedName, key.Device, key.Inode, key.Size)
	}
	return f, nil
}

// Find returns the backing file for key without taking a reference.
func (fs *EmuFs) Find(key EmuKey) (*EmuFile, bool) {
	f, ok := fs.files[key]
	return f, ok
}

// Ref takes an additional reference on an existing entry.
func (fs *EmuFs) Ref(key EmuKey) {
	if f, ok := fs.files[key]; ok {
		f.refcount++
	}
}

// Unref drops a reference; the entry is destroyed when the last
// mapping of it goes away.
func (fs *EmuFs) Unref(key EmuKey) {
	f, ok := fs.files[key]
	if !ok {
		return
	}
	f.refcount--
	if f.refcount > 0 {
		return
	}
	name := f.File.Name()
	f.File.Close()
	os.Remove(name)
	delete(fs.files, key)
}

// Len returns the number of live entries.
func (fs *EmuFs) Len() int { return len(fs.files) }

// Close destroys the pool and its directory.
func (fs *EmuFs) Close() error {
	for key, f := range fs.files {
		f.File.Close()
		os.Remove(f.File.Name())
		delete(fs.files, key)
	}
	return os.RemoveAll(fs.dir)
}
