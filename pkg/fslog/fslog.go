// Package fslog implements FsLog: a crash-safe, fixed-record-size,
// wrap-on-full log built from fixed-size chunk files over a flashfs.FS,
// following the same "small chunk, not whole-log" rewrite strategy the
// flash file system itself uses for its ping-pong superblock.
package fslog

import (
	"fmt"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/errs"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

const attrSlot = 0

// wrappedBit marks, in the persisted attribute, that the log has wrapped
// at least once (low 31 bits carry write_offset, per the data model).
const wrappedBit = uint32(1) << 31

// Log is a chunked, wrap-on-full log of fixed-size records.
type Log struct {
	fs        *flashfs.FS
	base      string
	chunkSize uint32
	maxSize   uint32
	recSize   uint32

	ready       bool
	writeOffset uint32
	wrapped     bool

	cachedChunk int
	cachedFile  *flashfs.File
}

var log = corelog.For("fslog")

// New constructs a Log over fs; call Create before use.
func New(fs *flashfs.FS, base string, chunkSize, maxSize, recSize uint32) *Log {
	return &Log{fs: fs, base: base, chunkSize: chunkSize, maxSize: maxSize, recSize: recSize, cachedChunk: -1}
}

func (l *Log) chunkName(n uint32) string {
	return fmt.Sprintf("%s.%d", l.base, n)
}

// IsReady reports whether Create has established valid state.
func (l *Log) IsReady() bool { return l.ready }

// Create restores state from the base file's attribute when the base file
// exists, failing with CORRUPT if the attribute is invalid or chunk 0 is
// missing; when the base file does not exist it creates a fresh empty log.
// Post-condition on success: IsReady().
func (l *Log) Create() error {
	l.invalidateCache()

	_, err := l.fs.Stat(l.base)
	if errs.Is(err, errs.KindNotFound) {
		return l.initFresh()
	}
	if err != nil {
		return err
	}

	raw, err := l.fs.GetAttr(l.base, attrSlot)
	if err != nil {
		return err
	}
	offset, wrapped, ok := decodeAttr(raw)
	if !ok || offset >= l.maxSize {
		return errs.New(errs.KindCorrupt, "fslog: invalid attribute on base file")
	}
	if _, err := l.fs.Stat(l.chunkName(0)); err != nil {
		return errs.Wrap(errs.KindCorrupt, err, "fslog: chunk 0 missing")
	}

	l.writeOffset = offset
	l.wrapped = wrapped
	l.ready = true
	return nil
}

func (l *Log) initFresh() error {
	f, err := l.fs.Open(l.base, flashfs.ModeCreate|flashfs.ModeWrite)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	cf, err := l.fs.Open(l.chunkName(0), flashfs.ModeCreate|flashfs.ModeWrite|flashfs.ModeTruncate)
	if err != nil {
		return err
	}
	if err := cf.Close(); err != nil {
		return err
	}
	l.writeOffset = 0
	l.wrapped = false
	if err := l.persistAttr(); err != nil {
		return err
	}
	l.ready = true
	return nil
}

// Truncate drops all state and recreates the log from scratch, discarding
// every existing record.
func (l *Log) Truncate() error {
	l.invalidateCache()
	l.ready = false
	numChunks := l.maxSize / l.chunkSize
	for n := uint32(0); n < numChunks; n++ {
		_ = l.fs.Remove(l.chunkName(n))
	}
	if err := l.fs.Remove(l.base); err != nil {
		return err
	}
	return l.initFresh()
}

func (l *Log) persistAttr() error {
	return l.fs.SetAttr(l.base, attrSlot, encodeAttr(l.writeOffset, l.wrapped))
}

func encodeAttr(offset uint32, wrapped bool) []byte {
	v := offset & ^wrappedBit
	if wrapped {
		v |= wrappedBit
	}
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeAttr(raw []byte) (offset uint32, wrapped bool, ok bool) {
	if len(raw) < 4 {
		return 0, false, false
	}
	v := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	wrapped = v&wrappedBit != 0
	offset = v & ^wrappedBit
	return offset, wrapped, true
}

func (l *Log) invalidateCache() {
	if l.cachedFile != nil {
		l.cachedFile.Close()
		l.cachedFile = nil
	}
	l.cachedChunk = -1
}

// Write appends record, which must be exactly recSize bytes, durably
// updating the write attribute only after the record itself is flushed.
func (l *Log) Write(record []byte) error {
	if !l.ready {
		return errs.New(errs.KindNotReady, "fslog: not ready")
	}
	if uint32(len(record)) != l.recSize {
		return errs.New(errs.KindInval, "fslog: record size mismatch")
	}

	chunkIndex := l.writeOffset / l.chunkSize
	offsetInChunk := l.writeOffset % l.chunkSize
	name := l.chunkName(chunkIndex)

	var mode flashfs.Mode
	if offsetInChunk == 0 {
		mode = flashfs.ModeCreate | flashfs.ModeWrite | flashfs.ModeTruncate
	} else {
		mode = flashfs.ModeWrite | flashfs.ModeAppend
	}
	f, err := l.fs.Open(name, mode)
	if err != nil {
		return err
	}

	// Consistency check: the chunk's physical size must match where we
	// think the write cursor is. A mismatch means a prior write was
	// interrupted mid-record; round the offset down to the chunk
	// boundary, silently discarding the partial record, and retry at the
	// start of the same chunk from a now-consistent state.
	if f.Size() != offsetInChunk {
		f.Close()
		log.Warnf("fslog: chunk %d size %d != expected offset %d, rounding down", chunkIndex, f.Size(), offsetInChunk)
		l.writeOffset -= offsetInChunk
		if err := l.persistAttr(); err != nil {
			return err
		}
		return l.Write(record)
	}

	if _, err := f.Write(record); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if l.cachedChunk == int(chunkIndex) {
		l.invalidateCache()
	}

	l.writeOffset += l.recSize
	if l.writeOffset >= l.maxSize {
		l.writeOffset = 0
		l.wrapped = true
	}
	return l.persistAttr()
}

// NumEntries reports how many records are currently readable, per the
// wrap/round formulas in the data model.
func (l *Log) NumEntries() uint32 {
	if !l.ready {
		return 0
	}
	if !l.wrapped {
		return l.writeOffset / l.recSize
	}
	if l.writeOffset%l.chunkSize == 0 {
		return l.maxSize / l.recSize
	}
	return (l.maxSize - (l.chunkSize - l.writeOffset%l.chunkSize)) / l.recSize
}

// Read returns the record at logical index (0 = oldest). Uses (and
// populates) a single cached read handle, invalidated by any write that
// lands in the same chunk.
func (l *Log) Read(index uint32) ([]byte, error) {
	if !l.ready {
		return nil, errs.New(errs.KindNotReady, "fslog: not ready")
	}
	n := l.NumEntries()
	if index >= n {
		return nil, errs.New(errs.KindInval, "fslog: read index out of range")
	}

	recordsPerChunk := l.chunkSize / l.recSize
	var startByte uint32
	if !l.wrapped {
		startByte = 0
	} else {
		numChunks := l.maxSize / l.chunkSize
		writeChunk := l.writeOffset / l.chunkSize
		if l.writeOffset%l.chunkSize != 0 {
			writeChunk = (writeChunk + 1) % numChunks
		}
		startByte = writeChunk * l.chunkSize
	}

	absoluteRecord := startByte/l.recSize + index
	totalRecords := l.maxSize / l.recSize
	absoluteRecord %= totalRecords

	chunkIndex := absoluteRecord / recordsPerChunk
	offsetInChunk := (absoluteRecord % recordsPerChunk) * l.recSize

	if l.cachedChunk != int(chunkIndex) {
		l.invalidateCache()
		f, err := l.fs.Open(l.chunkName(chunkIndex), flashfs.ModeRead)
		if err != nil {
			return nil, errs.Wrap(errs.KindCorrupt, err, "fslog: missing chunk")
		}
		l.cachedFile = f
		l.cachedChunk = int(chunkIndex)
	}

	if _, err := l.cachedFile.Seek(int64(offsetInChunk), flashfs.SeekSet); err != nil {
		return nil, err
	}
	buf := make([]byte, l.recSize)
	if _, err := l.cachedFile.Read(buf); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "fslog: short chunk read")
	}
	return buf, nil
}

// Close releases the cached read handle, if any.
func (l *Log) Close() error {
	l.invalidateCache()
	return nil
}
