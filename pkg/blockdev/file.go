package blockdev

import (
	"os"

	"github.com/arribada/horizon-core/internal/errs"
	"golang.org/x/sys/unix"
)

// FileDevice backs a block device with a regular file, memory-mapped so
// that block-aligned reads/programs behave like the byte-addressable QSPI
// flash the real port drives, rather than going through buffered file I/O.
// Used by the host simulator (cmd/horizon-sim) so a device image can persist
// across runs the same way the mender agent persists its store to disk.
type FileDevice struct {
	blockSize uint32
	pageSize  uint32
	blocks    uint32
	f         *os.File
	mmap      []byte
}

// OpenFileDevice mmaps (or creates, zero/erased-filled) a file of exactly
// blocks*blockSize bytes at path.
func OpenFileDevice(path string, blocks, blockSize, pageSize uint32) (*FileDevice, error) {
	size := int64(blocks) * int64(blockSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "open block device file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err, "stat block device file")
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.KindIO, err, "resize block device file")
		}
		if info.Size() == 0 {
			erased := make([]byte, size)
			for i := range erased {
				erased[i] = 0xFF
			}
			if _, err := f.WriteAt(erased, 0); err != nil {
				f.Close()
				return nil, errs.Wrap(errs.KindIO, err, "initialize erased image")
			}
		}
	}

	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err, "mmap block device file")
	}

	return &FileDevice{
		blockSize: blockSize,
		pageSize:  pageSize,
		blocks:    blocks,
		f:         f,
		mmap:      m,
	}, nil
}

func (d *FileDevice) Close() error {
	if d.mmap != nil {
		_ = unix.Munmap(d.mmap)
		d.mmap = nil
	}
	return d.f.Close()
}

func (d *FileDevice) BlockCount() uint32 { return d.blocks }
func (d *FileDevice) BlockSize() uint32  { return d.blockSize }
func (d *FileDevice) PageSize() uint32   { return d.pageSize }

func (d *FileDevice) Read(block uint32, offset uint32, buf []byte) error {
	if err := checkBlock(d.blocks, block); err != nil {
		return err
	}
	if err := checkAligned(d.pageSize, offset, len(buf)); err != nil {
		return err
	}
	base := uint64(block)*uint64(d.blockSize) + uint64(offset)
	copy(buf, d.mmap[base:base+uint64(len(buf))])
	return nil
}

func (d *FileDevice) Program(block uint32, offset uint32, data []byte) error {
	if err := checkBlock(d.blocks, block); err != nil {
		return err
	}
	if err := checkAligned(d.pageSize, offset, len(data)); err != nil {
		return err
	}
	base := uint64(block)*uint64(d.blockSize) + uint64(offset)
	for i, b := range data {
		if d.mmap[base+uint64(i)] != 0xFF {
			return errs.New(errs.KindIO, "program target not erased")
		}
		d.mmap[base+uint64(i)] = b
	}
	return nil
}

func (d *FileDevice) Erase(block uint32) error {
	if err := checkBlock(d.blocks, block); err != nil {
		return err
	}
	base := uint64(block) * uint64(d.blockSize)
	for i := uint64(0); i < uint64(d.blockSize); i++ {
		d.mmap[base+i] = 0xFF
	}
	return nil
}

func (d *FileDevice) Sync() error {
	return unix.Msync(d.mmap, unix.MS_SYNC)
}
