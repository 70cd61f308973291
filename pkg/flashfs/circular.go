package flashfs

import (
	"github.com/arribada/horizon-core/internal/errs"
)

const circularOffsetAttrSlot = 0

// CircularFile is a fixed-capacity file whose cursor wraps modulo max_size,
// persisted across opens in attribute slot 0 of the underlying file.
type CircularFile struct {
	f        *File
	maxSize  uint32
	offset   uint32
	writable bool
}

// OpenCircular opens path as a circular file of the given logical capacity.
// In read-only mode, if the stored size is less than maxSize (the file has
// never wrapped), the cursor is forced to 0 so reads start at the oldest
// byte actually written.
func (fs *FS) OpenCircular(path string, mode Mode, maxSize uint32) (*CircularFile, error) {
	f, err := fs.Open(path, mode)
	if err != nil {
		return nil, err
	}
	raw, err := fs.GetAttr(path, circularOffsetAttrSlot)
	if err != nil {
		f.Close()
		return nil, err
	}
	offset := decodeOffsetAttr(raw)

	writable := mode.has(ModeWrite)
	if !writable && f.Size() < maxSize {
		offset = 0
	}
	if offset >= maxSize {
		offset = 0
	}

	return &CircularFile{f: f, maxSize: maxSize, offset: offset, writable: writable}, nil
}

func decodeOffsetAttr(raw []byte) uint32 {
	var v uint32
	for i := 0; i < len(raw) && i < 4; i++ {
		v |= uint32(raw[i]) << (8 * i)
	}
	return v
}

func encodeOffsetAttr(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Read copies up to len(p) bytes starting at the circular cursor, wrapping
// at max_size, and advances the cursor modulo max_size.
func (c *CircularFile) Read(p []byte) (int, error) {
	if _, err := c.f.Seek(int64(c.offset), SeekSet); err != nil {
		return 0, err
	}
	n, err := c.f.Read(p)
	c.offset = (c.offset + uint32(n)) % c.maxSize
	return n, err
}

// Write writes p starting at the circular cursor and advances it modulo
// max_size. Callers are responsible for keeping writes within max_size;
// CircularFile never silently truncates.
func (c *CircularFile) Write(p []byte) (int, error) {
	if _, err := c.f.Seek(int64(c.offset), SeekSet); err != nil {
		return 0, err
	}
	n, err := c.f.Write(p)
	if err != nil {
		return n, err
	}
	c.offset = (c.offset + uint32(n)) % c.maxSize
	return n, nil
}

// Seek sets the cursor to offset mod max_size.
func (c *CircularFile) Seek(offset uint32) {
	c.offset = offset % c.maxSize
}

// Size reports the underlying file's stored size.
func (c *CircularFile) Size() uint32 { return c.f.Size() }

// Flush persists pending data and writes the cursor back to attribute slot
// 0 when the file was opened writable.
func (c *CircularFile) Flush() error {
	if err := c.f.Flush(); err != nil {
		return err
	}
	if c.writable {
		if err := c.f.fs.SetAttr(c.f.path, circularOffsetAttrSlot, encodeOffsetAttr(c.offset)); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes (when writable) and releases the handle. Idempotent.
func (c *CircularFile) Close() error {
	if c.writable {
		if err := c.Flush(); err != nil {
			c.f.Close()
			return err
		}
	}
	return c.f.Close()
}
