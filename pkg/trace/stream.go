package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zlib"
)

// ErrTraceCorrupt reports an unreadable trace: bad version, bad chunk
// framing, or truncation. Replay fails with a distinct exit code when
// it sees this.
var ErrTraceCorrupt = errors.New("trace corrupt")

// Streams are sequences of chunks. Each chunk is independently
// compressed so readers can seek by chunk:
//
//	chunk := magic u32 | rawLen u32 | compLen u32 | compressed bytes
const (
	chunkMagic = 0x52435231 // "RCR1"
	// ChunkSize is the uncompressed chunk payload target.
	ChunkSize = 1 << 20

	chunkHdrSize = 12
)

// chunkCacheEntries bounds decompressed chunks held by a reader.
const chunkCacheEntries = 16

// StreamWriter writes a chunked compressed stream. Append only.
type StreamWriter struct {
	f   *os.File
	buf bytes.Buffer
	// off is the logical (uncompressed) offset of the next byte.
	off uint64
}

// NewStreamWriter creates path and returns a writer for it.
func NewStreamWriter(path string) (*StreamWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &StreamWriter{f: f}, nil
}

// Offset returns the logical offset of the next write.
func (w *StreamWriter) Offset() uint64 { return w.off }

// Write appends p to the stream.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.off += uint64(len(p))
	for w.buf.Len() >= ChunkSize {
		if err := w.flushChunk(ChunkSize); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *StreamWriter) flushChunk(n int) error {
	if n > w.buf.Len() {
		n = w.buf.Len()
	}
	if n == 0 {
		return nil
	}
	raw := w.buf.Next(n)
	var comp bytes.Buffer
	zw := zlib.NewWriter(&comp)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	var hdr [chunkHdrSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], chunkMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(n))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(comp.Len()))
	if _, err := w.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(comp.Bytes()); err != nil {
		return err
	}
	return nil
}

// Close flushes the final partial chunk and syncs the file.
func (w *StreamWriter) Close() error {
	if err := w.flushChunk(w.buf.Len()); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// chunkInfo locates one chunk in both coordinate systems.
type chunkInfo struct {
	fileOff uint64 // offset of the chunk header in the file
	logOff  uint64 // logical offset of the first payload byte
	rawLen  uint32
	compLen uint32
}

// StreamReader reads a chunked compressed stream with random access
// by logical offset. Decompressed chunks are LRU cached.
type StreamReader struct {
	f      *os.File
	chunks []chunkInfo
	total  uint64
	cache  *lru.Cache

	// pos is the logical offset for sequential Read.
	pos uint64
}

// OpenStream indexes path's chunks and returns a reader.
func OpenStream(path string) (*StreamReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &StreamReader{f: f}
	r.cache, _ = lru.New(chunkCacheEntries)
	if err := r.index(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *StreamReader) index() error {
	var fileOff, logOff uint64
	var hdr [chunkHdrSize]byte
	for {
		_, err := io.ReadFull(r.f, hdr[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: truncated chunk header", ErrTraceCorrupt)
		}
		if binary.LittleEndian.Uint32(hdr[0:]) != chunkMagic {
			return fmt.Errorf("%w: bad chunk magic at offset %d", ErrTraceCorrupt, fileOff)
		}
		ci := chunkInfo{
			fileOff: fileOff,
			logOff:  logOff,
			rawLen:  binary.LittleEndian.Uint32(hdr[4:]),
			compLen: binary.LittleEndian.Uint32(hdr[8:]),
		}
		if _, err := r.f.Seek(int64(ci.compLen), io.SeekCurrent); err != nil {
			return fmt.Errorf("%w: truncated chunk body", ErrTraceCorrupt)
		}
		r.chunks = append(r.chunks, ci)
		fileOff += chunkHdrSize + uint64(ci.compLen)
		logOff += uint64(ci.rawLen)
	}
	// Verify the last chunk body is actually present.
	if n := len(r.chunks); n > 0 {
		last := r.chunks[n-1]
		end := int64(last.fileOff) + chunkHdrSize + int64(last.compLen)
		fi, err := r.f.Stat()
		if err != nil {
			return err
		}
		if fi.Size() < end {
			return fmt.Errorf("%w: truncated final chunk", ErrTraceCorrupt)
		}
	}
	r.total = logOff
	return nil
}

// Size returns the total logical stream length.
func (r *StreamReader) Size() uint64 { return r.total }

// chunkAt returns the decompressed payload of the chunk containing
// logical offset off.
func (r *StreamReader) chunkAt(off uint64) (*chunkInfo, []byte, error) {
	lo, hi := 0, len(r.chunks)
	for lo < hi {
		mid := (lo + hi) / 2
		ci := r.chunks[mid]
		if off < ci.logOff {
			hi = mid
		} else if off >= ci.logOff+uint64(ci.rawLen) {
			lo = mid + 1
		} else {
			lo = mid
			break
		}
	}
	if lo >= len(r.chunks) {
		return nil, nil, io.EOF
	}
	ci := &r.chunks[lo]
	if cached, ok := r.cache.Get(ci.fileOff); ok {
		return ci, cached.([]byte), nil
	}
	comp := make([]byte, ci.compLen)
	if _, err := r.f.ReadAt(comp, int64(ci.fileOff)+chunkHdrSize); err != nil {
		return nil, nil, fmt.Errorf("%w: unreadable chunk at %d", ErrTraceCorrupt, ci.fileOff)
	}
	zr, err := zlib.NewReader(bytes.NewReader(comp))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad chunk compression at %d", ErrTraceCorrupt, ci.fileOff)
	}
	raw := make([]byte, ci.rawLen)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: short chunk at %d", ErrTraceCorrupt, ci.fileOff)
	}
	zr.Close()
	r.cache.Add(ci.fileOff, raw)
	return ci, raw, nil
}

// ReadAt reads len(p) bytes at logical offset off, crossing chunk
// boundaries as needed.
func (r *StreamReader) ReadAt(p []byte, off uint64) (int, error) {
	read := 0
	for read < len(p) {
		ci, raw, err := r.chunkAt(off)
		if err != nil {
			return read, err
		}
		n := copy(p[read:], raw[off-ci.logOff:])
		read += n
		off += uint64(n)
	}
	return read, nil
}

// Read implements sequential access.
func (r *StreamReader) Read(p []byte) (int, error) {
	if r.pos >= r.total {
		return 0, io.EOF
	}
	if max := r.total - r.pos; uint64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.ReadAt(p, r.pos)
	r.pos += uint64(n)
	return n, err
}

// Seek moves the sequential read position to a logical offset.
func (r *StreamReader) Seek(off uint64) {
	r.pos = off
}

// Close releases the reader.
func (r *StreamReader) Close() error {
	return r.f.Close()
}
