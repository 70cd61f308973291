package flashfs

import (
	"io"

	"github.com/arribada/horizon-core/internal/errs"
)

// Mode is a set of flags controlling Open, drawn from the set the data
// model names: READ, WRITE, CREATE, EXCLUSIVE, TRUNCATE, APPEND.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeCreate
	ModeExclusive
	ModeTruncate
	ModeAppend
)

func (m Mode) has(f Mode) bool { return m&f != 0 }

// Whence selects the seek origin.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// File is an open handle onto one FS entry. Its whole content is buffered
// in memory between Open and Flush/Close, mirroring the scoped-resource
// idiom the firmware core relies on: callers are expected to `defer
// f.Close()` and every exit path, success or error, releases the handle and
// persists pending writes exactly once.
type File struct {
	fs       *FS
	path     string
	mode     Mode
	buf      []byte
	cursor   int
	dirty    bool
	closed   bool
}

// Open opens path under mode. See Mode for the flag semantics; CREATE
// without the file existing creates it, CREATE+EXCLUSIVE on an existing
// file fails with EXISTS, and omitting CREATE on a missing file fails with
// NOT_FOUND.
func (fs *FS) Open(path string, mode Mode) (*File, error) {
	if len(path) == 0 || len(path) > MaxNameLen {
		return nil, errs.New(errs.KindInval, "file name length out of range")
	}
	e, exists := fs.sb.Entries[path]
	if !exists {
		if !mode.has(ModeCreate) {
			return nil, errs.New(errs.KindNotFound, "open: "+path)
		}
		entries := fs.cloneEntries()
		entries[path] = &direntry{}
		if err := fs.commit(entries); err != nil {
			return nil, err
		}
		e = fs.sb.Entries[path]
	} else if mode.has(ModeCreate) && mode.has(ModeExclusive) {
		return nil, errs.New(errs.KindExists, "open: "+path)
	}

	f := &File{fs: fs, path: path, mode: mode}
	if !mode.has(ModeTruncate) {
		buf, err := fs.readEntryData(e)
		if err != nil {
			return nil, err
		}
		f.buf = buf
	}
	if mode.has(ModeTruncate) {
		f.dirty = true
	}
	if mode.has(ModeAppend) {
		f.cursor = len(f.buf)
	}
	return f, nil
}

func (fs *FS) readEntryData(e *direntry) ([]byte, error) {
	buf := make([]byte, 0, len(e.Blocks)*int(fs.dev.BlockSize()))
	tmp := make([]byte, fs.dev.BlockSize())
	for _, b := range e.Blocks {
		if err := fs.dev.Read(b, 0, tmp); err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "read file block")
		}
		buf = append(buf, tmp...)
	}
	if uint32(len(buf)) < e.Size {
		return nil, errs.New(errs.KindCorrupt, "file shorter than recorded size")
	}
	return buf[:e.Size], nil
}

// Read copies up to len(p) bytes starting at the cursor, advancing it.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errs.New(errs.KindInval, "read on closed file")
	}
	if !f.mode.has(ModeRead) {
		return 0, errs.New(errs.KindInval, "file not opened for reading")
	}
	if f.cursor >= len(f.buf) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.cursor:])
	f.cursor += n
	return n, nil
}

// Write copies p into the buffer at the cursor (or at EOF when APPEND was
// set), extending the file as needed, and marks it dirty for Flush/Close.
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errs.New(errs.KindInval, "write on closed file")
	}
	if !f.mode.has(ModeWrite) {
		return 0, errs.New(errs.KindInval, "file not opened for writing")
	}
	if f.mode.has(ModeAppend) {
		f.cursor = len(f.buf)
	}
	end := f.cursor + len(p)
	if end > len(f.buf) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.cursor:end], p)
	f.cursor = end
	f.dirty = true
	return len(p), nil
}

// Seek repositions the cursor per whence, clamped to [0, size].
func (f *File) Seek(offset int64, whence Whence) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.cursor)
	case SeekEnd:
		base = int64(len(f.buf))
	default:
		return 0, errs.New(errs.KindInval, "invalid whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errs.New(errs.KindInval, "seek before start of file")
	}
	if pos > int64(len(f.buf)) {
		pos = int64(len(f.buf))
	}
	f.cursor = int(pos)
	return pos, nil
}

// Size reports the current logical size of the file.
func (f *File) Size() uint32 { return uint32(len(f.buf)) }

// Flush persists pending writes: it (re)allocates data blocks for the
// current buffer, programs them, and commits a new FS superblock
// generation pointing at them. A no-op if nothing changed since open or the
// last Flush.
func (f *File) Flush() error {
	if !f.dirty {
		return nil
	}
	fs := f.fs
	blockSize := int(fs.dev.BlockSize())
	needed := (len(f.buf) + blockSize - 1) / blockSize

	entries := fs.cloneEntries()
	// Allocate only blocks the committed generation does not reference,
	// this file's own current blocks included, so a crash before the
	// commit leaves the previous contents intact.
	blocks, err := pickBlocks(freeBlocksFor(fs.dev, fs.sb.Entries), needed)
	if err != nil {
		return err
	}

	page := make([]byte, blockSize)
	for i, b := range blocks {
		for j := range page {
			page[j] = 0
		}
		start := i * blockSize
		end := start + blockSize
		if start < len(f.buf) {
			n := copy(page, f.buf[start:min(end, len(f.buf))])
			_ = n
		}
		if err := fs.dev.Erase(b); err != nil {
			return errs.Wrap(errs.KindIO, err, "erase data block")
		}
		if err := fs.dev.Program(b, 0, page); err != nil {
			return errs.Wrap(errs.KindIO, err, "program data block")
		}
	}
	if err := fs.dev.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, err, "sync data blocks")
	}

	entries[f.path].Blocks = blocks
	entries[f.path].Size = uint32(len(f.buf))
	if err := fs.commit(entries); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Close flushes any pending writes and releases the handle. Safe to call
// more than once; subsequent calls are no-ops. Matches the "close on every
// exit path" scoped-resource idiom: callers defer f.Close() immediately
// after a successful Open.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	var err error
	if f.mode.has(ModeWrite) {
		err = f.Flush()
	}
	f.closed = true
	return err
}

func pickBlocks(free []uint32, n int) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	if len(free) < n {
		return nil, errs.New(errs.KindNoSpace, "insufficient free blocks")
	}
	out := make([]uint32, n)
	copy(out, free[:n])
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
