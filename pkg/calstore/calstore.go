// Package calstore implements the calibration store: a sparse map from a
// u32 offset to an f64 value, persisted to a single "<name>.CAL" file of
// fixed-size (offset, value) records, rewritten wholesale on close when
// dirty.
package calstore

import (
	"encoding/binary"
	"math"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/errs"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

const recordSize = 4 + 8 // u32 offset, f64 value, little-endian

var log = corelog.For("calstore")

// Store is one named calibration's set of (offset -> value) pairs.
type Store struct {
	fs     *flashfs.FS
	name   string
	values map[uint32]float64
	dirty  bool
}

// Open reads "<name>.CAL" if present. A missing, corrupted, or truncated
// file is treated as an empty store (a warning is logged, never an
// error): the store is created fresh on the first write-back.
func Open(fs *flashfs.FS, name string) (*Store, error) {
	s := &Store{fs: fs, name: name + ".CAL", values: map[uint32]float64{}}

	f, err := fs.Open(s.name, flashfs.ModeRead)
	if errs.Is(err, errs.KindNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.Read(buf); err != nil {
		log.Warnf("calstore: read %s failed, treating as empty: %v", s.name, err)
		return s, nil
	}
	if len(buf)%recordSize != 0 {
		log.Warnf("calstore: %s truncated (%d bytes), treating as empty", s.name, len(buf))
		return s, nil
	}
	for off := 0; off < len(buf); off += recordSize {
		rec := buf[off : off+recordSize]
		key := binary.LittleEndian.Uint32(rec[0:4])
		bits := binary.LittleEndian.Uint64(rec[4:12])
		s.values[key] = math.Float64frombits(bits)
	}
	return s, nil
}

// Read returns the value stored at offset, failing with NOT_FOUND if
// absent.
func (s *Store) Read(offset uint32) (float64, error) {
	v, ok := s.values[offset]
	if !ok {
		return 0, errs.New(errs.KindNotFound, "calstore: no value at offset")
	}
	return v, nil
}

// Write overwrites (or creates) the value at offset.
func (s *Store) Write(offset uint32, value float64) {
	s.values[offset] = value
	s.dirty = true
}

// Reset clears every stored pair and marks the store dirty.
func (s *Store) Reset() {
	s.values = map[uint32]float64{}
	s.dirty = true
}

// Save serializes the store now if dirty, or unconditionally when force
// is true.
func (s *Store) Save(force bool) error {
	if !s.dirty && !force {
		return nil
	}
	f, err := s.fs.Open(s.name, flashfs.ModeCreate|flashfs.ModeWrite|flashfs.ModeTruncate)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(s.values)*recordSize)
	for off, val := range s.values {
		rec := make([]byte, recordSize)
		binary.LittleEndian.PutUint32(rec[0:4], off)
		binary.LittleEndian.PutUint64(rec[4:12], math.Float64bits(val))
		buf = append(buf, rec...)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close rewrites the store if it has pending changes, then releases it.
func (s *Store) Close() error {
	return s.Save(false)
}
