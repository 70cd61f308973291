// Package flashfs implements the L1 file system layer: a name-to-extent
// map with up to four persistent per-file attribute slots over a block
// device, plus the L2 circular-file abstraction built on top of it.
//
// Crash safety is provided by a double-buffered ("ping-pong") superblock,
// the same A/B-swap idea the firmware core's bootloader uses for rootfs
// updates: the directory is only ever fully rewritten into the *other*
// slot, so a crash mid-write leaves the previous generation intact and
// mountable. Per-file data blocks are only reclaimed once a newer
// superblock generation durably stops referencing them.
package flashfs

import (
	"bytes"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/internal/errs"
	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxNameLen is the longest file name accepted, per the data model.
	MaxNameLen = 32
	// NumAttrSlots is the number of opaque attribute slots per file.
	NumAttrSlots = 4
	// MaxAttrLen is the longest byte string a single attribute slot holds.
	MaxAttrLen = 8

	superblockSlotBlocks = 1
	numSuperblockSlots   = 2
)

var log = corelog.For("flashfs")

// direntry is the persisted record for one file.
type direntry struct {
	Attrs  [NumAttrSlots][]byte
	Blocks []uint32
	Size   uint32
}

type superblock struct {
	Generation uint64
	Entries    map[string]*direntry
}

// FS is a log-structured file system over a blockdev.Device.
type FS struct {
	dev     blockdev.Device
	mounted bool
	sb      superblock
	slot    int // which ping-pong slot currently holds the valid superblock
	free    []uint32
}

// New constructs an unmounted FS over dev. Call Mount (after Format on a
// blank device) before using it.
func New(dev blockdev.Device) *FS {
	return &FS{dev: dev}
}

func dataBlockBase() uint32 {
	return numSuperblockSlots * superblockSlotBlocks
}

// Format destroys all data and writes an empty directory. Idempotent in the
// sense that it always succeeds and always leaves a mounted-ready FS state
// on disk; callers must still Mount afterward.
func (fs *FS) Format() error {
	for s := 0; s < numSuperblockSlots; s++ {
		if err := fs.dev.Erase(uint32(s * superblockSlotBlocks)); err != nil {
			return errs.Wrap(errs.KindIO, err, "format: erase superblock slot")
		}
	}
	fs.sb = superblock{Generation: 0, Entries: map[string]*direntry{}}
	fs.slot = 0
	if err := fs.writeSuperblock(1, 0); err != nil {
		return err
	}
	return nil
}

// Mount reads the most recent valid superblock slot and rebuilds the
// in-memory directory and free block map. mount() is idempotent: calling it
// again on an already-mounted FS is a no-op.
func (fs *FS) Mount() error {
	if fs.mounted {
		return nil
	}
	best := -1
	var bestGen uint64
	var bestSB superblock
	for s := 0; s < numSuperblockSlots; s++ {
		sb, ok := fs.readSuperblockSlot(s)
		if !ok {
			continue
		}
		if best == -1 || sb.Generation > bestGen {
			best = s
			bestGen = sb.Generation
			bestSB = sb
		}
	}
	if best == -1 {
		return errs.New(errs.KindCorrupt, "mount: no valid superblock found, format required")
	}
	fs.slot = best
	fs.sb = bestSB
	fs.rebuildFreeMap()
	fs.mounted = true
	log.Debugf("mounted: generation=%d files=%d", fs.sb.Generation, len(fs.sb.Entries))
	return nil
}

// Unmount marks the FS unmounted. Idempotent.
func (fs *FS) Unmount() error {
	fs.mounted = false
	return nil
}

func (fs *FS) rebuildFreeMap() {
	fs.free = freeBlocksFor(fs.dev, fs.sb.Entries)
}

// freeBlocksFor computes the ascending list of unreferenced data blocks for
// a given (possibly not-yet-committed) directory snapshot.
func freeBlocksFor(dev blockdev.Device, entries map[string]*direntry) []uint32 {
	used := map[uint32]bool{}
	for _, e := range entries {
		for _, b := range e.Blocks {
			used[b] = true
		}
	}
	var free []uint32
	for b := dataBlockBase(); b < dev.BlockCount(); b++ {
		if !used[b] {
			free = append(free, b)
		}
	}
	return free
}

// FreeBlocks reports the data blocks available for allocation as of the
// last committed superblock generation.
func (fs *FS) FreeBlocks() []uint32 {
	return append([]uint32(nil), fs.free...)
}

func (fs *FS) readSuperblockSlot(slot int) (superblock, bool) {
	buf := make([]byte, fs.dev.BlockSize())
	if err := fs.dev.Read(uint32(slot*superblockSlotBlocks), 0, buf); err != nil {
		return superblock{}, false
	}
	if len(buf) < 8 {
		return superblock{}, false
	}
	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	wantCRC := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	if int(length) > len(buf)-8 {
		return superblock{}, false
	}
	payload := buf[8 : 8+length]
	if crc.ChecksumIEEE(payload) != wantCRC {
		return superblock{}, false
	}
	var sb superblock
	if err := msgpack.NewDecoder(bytes.NewReader(payload)).Decode(&sb); err != nil {
		return superblock{}, false
	}
	return sb, true
}

// writeSuperblock serializes the directory with the given generation into
// the slot that is NOT the currently-valid one (ping-pong), then switches
// fs.slot to it. Passing the current slot explicitly lets Format bootstrap
// slot 1 (by avoiding slot 0) before any "current" slot exists.
func (fs *FS) writeSuperblock(generation uint64, avoidSlot int) error {
	fs.sb.Generation = generation
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&fs.sb); err != nil {
		return errs.Wrap(errs.KindIO, err, "encode superblock")
	}
	payload := buf.Bytes()
	if len(payload)+8 > int(fs.dev.BlockSize())*superblockSlotBlocks {
		return errs.New(errs.KindNoSpace, "superblock too large for reserved region")
	}

	target := 1 - avoidSlot
	if numSuperblockSlots == 1 {
		target = 0
	}

	block := make([]byte, fs.dev.BlockSize())
	block[0] = byte(len(payload))
	block[1] = byte(len(payload) >> 8)
	block[2] = byte(len(payload) >> 16)
	block[3] = byte(len(payload) >> 24)
	sum := crc.ChecksumIEEE(payload)
	block[4] = byte(sum)
	block[5] = byte(sum >> 8)
	block[6] = byte(sum >> 16)
	block[7] = byte(sum >> 24)
	copy(block[8:], payload)

	if err := fs.dev.Erase(uint32(target * superblockSlotBlocks)); err != nil {
		return errs.Wrap(errs.KindIO, err, "erase superblock slot")
	}
	if err := fs.dev.Program(uint32(target*superblockSlotBlocks), 0, block); err != nil {
		return errs.Wrap(errs.KindIO, err, "program superblock slot")
	}
	if err := fs.dev.Sync(); err != nil {
		return errs.Wrap(errs.KindIO, err, "sync superblock")
	}
	fs.slot = target
	return nil
}

func (fs *FS) commit(entries map[string]*direntry) error {
	fs.sb.Entries = entries
	if err := fs.writeSuperblock(fs.sb.Generation+1, fs.slot); err != nil {
		return err
	}
	fs.rebuildFreeMap()
	return nil
}

func (fs *FS) cloneEntries() map[string]*direntry {
	out := make(map[string]*direntry, len(fs.sb.Entries))
	for k, v := range fs.sb.Entries {
		cp := *v
		cp.Blocks = append([]uint32(nil), v.Blocks...)
		out[k] = &cp
	}
	return out
}

// Info is the result of Stat.
type Info struct {
	Size uint32
}

// Stat reports the size of an existing file.
func (fs *FS) Stat(path string) (Info, error) {
	e, ok := fs.sb.Entries[path]
	if !ok {
		return Info{}, errs.New(errs.KindNotFound, "stat: "+path)
	}
	return Info{Size: e.Size}, nil
}

// Remove deletes path if present. Idempotent: removing a non-existent file
// is not an error.
func (fs *FS) Remove(path string) error {
	if _, ok := fs.sb.Entries[path]; !ok {
		return nil
	}
	entries := fs.cloneEntries()
	delete(entries, path)
	return fs.commit(entries)
}

// SetAttr persists bytes (truncated to MaxAttrLen) into the
// given attribute slot of path.
func (fs *FS) SetAttr(path string, slot int, data []byte) error {
	e, ok := fs.sb.Entries[path]
	if !ok {
		return errs.New(errs.KindNotFound, "set_attr: "+path)
	}
	if slot < 0 || slot >= NumAttrSlots {
		return errs.New(errs.KindInval, "attribute slot out of range")
	}
	entries := fs.cloneEntries()
	cp := entries[path]
	v := append([]byte(nil), data...)
	if len(v) > MaxAttrLen {
		v = v[:MaxAttrLen]
	}
	cp.Attrs[slot] = v
	return fs.commit(entries)
}

// GetAttr reads the bytes stored in the given attribute slot of path.
func (fs *FS) GetAttr(path string, slot int) ([]byte, error) {
	e, ok := fs.sb.Entries[path]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "get_attr: "+path)
	}
	if slot < 0 || slot >= NumAttrSlots {
		return nil, errs.New(errs.KindInval, "attribute slot out of range")
	}
	return append([]byte(nil), e.Attrs[slot]...), nil
}
