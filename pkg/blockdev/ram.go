package blockdev

import (
	"github.com/arribada/horizon-core/internal/errs"
)

// RAMDevice is an in-memory block device, grounded on the firmware core's
// LFSRamFileSystem test harness: a single flat byte slice, erase fills a
// block with 0xFF, program refuses to flip an already-programmed (non-0xFF)
// byte back to data, and reads are plain memory copies.
type RAMDevice struct {
	blockSize uint32
	pageSize  uint32
	data      []byte
}

// NewRAMDevice allocates a fully-erased RAM block device.
func NewRAMDevice(blockCount, blockSize, pageSize uint32) *RAMDevice {
	d := &RAMDevice{
		blockSize: blockSize,
		pageSize:  pageSize,
		data:      make([]byte, uint64(blockCount)*uint64(blockSize)),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *RAMDevice) BlockCount() uint32 { return uint32(len(d.data)) / d.blockSize }
func (d *RAMDevice) BlockSize() uint32  { return d.blockSize }
func (d *RAMDevice) PageSize() uint32   { return d.pageSize }

func (d *RAMDevice) Read(block uint32, offset uint32, buf []byte) error {
	if err := checkBlock(d.BlockCount(), block); err != nil {
		return err
	}
	if err := checkAligned(d.pageSize, offset, len(buf)); err != nil {
		return err
	}
	base := uint64(block)*uint64(d.blockSize) + uint64(offset)
	if base+uint64(len(buf)) > uint64(len(d.data)) {
		return errs.New(errs.KindInval, "read out of bounds")
	}
	copy(buf, d.data[base:base+uint64(len(buf))])
	return nil
}

func (d *RAMDevice) Program(block uint32, offset uint32, data []byte) error {
	if err := checkBlock(d.BlockCount(), block); err != nil {
		return err
	}
	if err := checkAligned(d.pageSize, offset, len(data)); err != nil {
		return err
	}
	base := uint64(block)*uint64(d.blockSize) + uint64(offset)
	if base+uint64(len(data)) > uint64(len(d.data)) {
		return errs.New(errs.KindInval, "program out of bounds")
	}
	for i, b := range data {
		if d.data[base+uint64(i)] != 0xFF {
			return errs.New(errs.KindIO, "program target not erased")
		}
		d.data[base+uint64(i)] = b
	}
	return nil
}

func (d *RAMDevice) Erase(block uint32) error {
	if err := checkBlock(d.BlockCount(), block); err != nil {
		return err
	}
	base := uint64(block) * uint64(d.blockSize)
	for i := uint64(0); i < uint64(d.blockSize); i++ {
		d.data[base+i] = 0xFF
	}
	return nil
}

func (d *RAMDevice) Sync() error { return nil }

// IsErased reports whether every byte of a block is 0xFF, used by the OTA
// updater to skip erasing blocks that are already blank (§4.3).
func (d *RAMDevice) IsErased(block uint32) bool {
	base := uint64(block) * uint64(d.blockSize)
	for i := uint64(0); i < uint64(d.blockSize); i++ {
		if d.data[base+i] != 0xFF {
			return false
		}
	}
	return true
}
