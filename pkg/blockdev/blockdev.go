// Package blockdev defines the L0 block-device contract: read/program/erase
// fixed-size blocks with synchronous completion, plus a RAM-backed
// implementation used by every higher layer's tests and a file-backed
// implementation used by the host simulator.
package blockdev

import "github.com/arribada/horizon-core/internal/errs"

// Device is the L0 collaborator every higher layer is built on. Block size
// is a power of two (e.g. 4 KiB); programs and reads are multiples of
// PageSize, and a Program call is only valid going from an erased (all
// 0xFF) region to a non-erased one, matching real NOR/NAND flash semantics.
type Device interface {
	BlockCount() uint32
	BlockSize() uint32
	PageSize() uint32
	Read(block uint32, offset uint32, buf []byte) error
	Program(block uint32, offset uint32, data []byte) error
	Erase(block uint32) error
	Sync() error
}

func checkAligned(page uint32, offset uint32, length int) error {
	if offset%page != 0 || uint32(length)%page != 0 {
		return errs.New(errs.KindInval, "offset/length must be a multiple of the page size")
	}
	return nil
}

func checkBlock(count, block uint32) error {
	if block >= count {
		return errs.New(errs.KindInval, "block index out of range")
	}
	return nil
}

// IsErased reports whether every byte of block is 0xFF, reading the block
// through the generic Device interface (used by the OTA updater to avoid
// re-erasing blocks that are already blank, §4.3).
func IsErased(d Device, block uint32) (bool, error) {
	buf := make([]byte, d.BlockSize())
	if err := d.Read(block, 0, buf); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}
