// Package ota implements the OTA file updater: a receive-length-check-
// commit protocol that stages one of three image classes either into a
// reserved block-device region (MCU firmware, for the bootloader to pick
// up) or into the file system (coprocessor firmware, GNSS offline
// assistance data). The GNSS offline-assistance image is zstd-compressed
// before it lands on FS; pkg/gnss/assist decompresses it on read.
package ota

import (
	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/internal/errs"
	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/arribada/horizon-core/pkg/flashfs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// FileID identifies which image class a transfer targets.
type FileID int

const (
	McuFirmware FileID = iota
	CoprocessorFirmware
	GnssOfflineAssist
)

const (
	headerSize = 8 // 4 bytes length + 4 bytes CRC32, both little-endian

	coprocessorFirmwareName = "artic_firmware.dat"
	gnssOfflineAssistName   = "gps_config.dat"
)

func backingFileName(id FileID) (string, bool) {
	switch id {
	case CoprocessorFirmware:
		return coprocessorFirmwareName, true
	case GnssOfflineAssist:
		return gnssOfflineAssistName, true
	default:
		return "", false
	}
}

// Updater drives one OTA transfer at a time over a block device (for
// MCU firmware) and a file system (for the other two image classes).
type Updater struct {
	dev         blockdev.Device
	fs          *flashfs.FS
	reservedBase uint32
	reservedLen  uint32 // in blocks

	inProgress    bool
	fileID        FileID
	expectedLen   uint32
	bytesReceived uint32
	expectedCRC32 uint32
	running       *crc.Running32
	transferID    uuid.UUID

	auxFile *flashfs.File

	// stagingBuf holds the GnssOfflineAssist image in memory across the
	// transfer: it must be whole before it can be zstd-compressed, so it
	// can't stream straight to FS the way CoprocessorFirmware does.
	stagingBuf []byte
}

var log = corelog.For("ota")

// New constructs an Updater. reservedBase/reservedBlocks describe the
// block range reserved on dev for MCU_FIRMWARE transfers.
func New(dev blockdev.Device, fs *flashfs.FS, reservedBase, reservedBlocks uint32) *Updater {
	return &Updater{dev: dev, fs: fs, reservedBase: reservedBase, reservedLen: reservedBlocks}
}

func (u *Updater) reservedCapacity() uint32 {
	return u.reservedLen*u.dev.BlockSize() - headerSize
}

// StartFileTransfer begins receiving an image of the given length, whose
// content must hash to expectedCRC32.
func (u *Updater) StartFileTransfer(fileID FileID, length, expectedCRC32 uint32) error {
	if u.inProgress {
		return errs.New(errs.KindAlreadyInProgress, "ota: transfer already in progress")
	}
	if length == 0 {
		return errs.New(errs.KindInval, "ota: zero-length transfer")
	}

	if fileID == McuFirmware {
		if length > u.reservedCapacity() {
			return errs.New(errs.KindInval, "ota: file too large for reserved region")
		}
		if err := u.stageMcuHeader(); err != nil {
			return err
		}
	} else {
		_, ok := backingFileName(fileID)
		if !ok {
			return errs.New(errs.KindInval, "ota: unknown file_id")
		}
		if length > flashMaxFileSize {
			return errs.New(errs.KindInval, "ota: file too large")
		}
		if fileID == GnssOfflineAssist {
			// Buffered in memory until CompleteFileTransfer so the
			// whole image can be zstd-compressed before it touches
			// FS; the existing backing file is left alone until then
			// so an aborted transfer leaves the old database intact.
			u.stagingBuf = make([]byte, 0, length)
		} else {
			name, _ := backingFileName(fileID)
			_ = u.fs.Remove(name)
			f, err := u.fs.Open(name, flashfs.ModeCreate|flashfs.ModeWrite|flashfs.ModeTruncate)
			if err != nil {
				return err
			}
			u.auxFile = f
		}
	}

	u.fileID = fileID
	u.expectedLen = length
	u.expectedCRC32 = expectedCRC32
	u.bytesReceived = 0
	u.running = crc.NewRunning32()
	u.transferID = uuid.New()
	u.inProgress = true
	log.Infof("ota: transfer %s started, file_id=%d length=%d", u.transferID, fileID, length)
	return nil
}

// flashMaxFileSize bounds a non-MCU transfer to something the simulator's
// FS can actually stage; real deployments size this from FS free space.
const flashMaxFileSize = 1 << 24

func (u *Updater) stageMcuHeader() error {
	for b := uint32(0); b < u.reservedLen; b++ {
		erased, err := blockdev.IsErased(u.dev, u.reservedBase+b)
		if err != nil {
			return err
		}
		if !erased {
			if err := u.dev.Erase(u.reservedBase + b); err != nil {
				return errs.Wrap(errs.KindIO, err, "ota: erase reserved block")
			}
		}
	}
	return u.dev.Sync()
}

// WriteFileData appends bytes to the active transfer.
func (u *Updater) WriteFileData(data []byte) error {
	if !u.inProgress {
		return errs.New(errs.KindNotStarted, "ota: no transfer in progress")
	}
	if u.bytesReceived+uint32(len(data)) > u.expectedLen {
		u.abortInternal()
		return errs.New(errs.KindOverflow, "ota: received more than expected_len")
	}

	switch {
	case u.fileID == McuFirmware:
		if err := u.dev.Program(u.reservedBase, headerSize+u.bytesReceived, data); err != nil {
			return errs.Wrap(errs.KindIO, err, "ota: program firmware bytes")
		}
	case u.fileID == GnssOfflineAssist:
		u.stagingBuf = append(u.stagingBuf, data...)
	default:
		if _, err := u.auxFile.Write(data); err != nil {
			return err
		}
	}

	u.running.Update(data)
	u.bytesReceived += uint32(len(data))
	return nil
}

// AbortFileTransfer cancels the active transfer and leaves no partial
// artifact behind: the MCU header block is erased, or the auxiliary file
// is closed and deleted.
func (u *Updater) AbortFileTransfer() error {
	if !u.inProgress {
		return errs.New(errs.KindNotStarted, "ota: no transfer in progress")
	}
	return u.abortInternal()
}

func (u *Updater) abortInternal() error {
	var err error
	switch {
	case u.fileID == McuFirmware:
		err = u.dev.Erase(u.reservedBase)
	case u.fileID == GnssOfflineAssist:
		u.stagingBuf = nil
	case u.auxFile != nil:
		u.auxFile.Close()
		name, _ := backingFileName(u.fileID)
		err = u.fs.Remove(name)
		u.auxFile = nil
	}
	u.inProgress = false
	return err
}

// CompleteFileTransfer validates the transfer is whole and its CRC32
// matches. On failure, the transfer is aborted (per AbortFileTransfer's
// cleanup) before the error is returned.
func (u *Updater) CompleteFileTransfer() error {
	if !u.inProgress {
		return errs.New(errs.KindNotStarted, "ota: no transfer in progress")
	}
	if u.bytesReceived < u.expectedLen {
		u.abortInternal()
		return errs.New(errs.KindIncomplete, "ota: incomplete transfer")
	}
	if u.running.Sum() != u.expectedCRC32 {
		u.abortInternal()
		return errs.New(errs.KindCRCError, "ota: crc32 mismatch")
	}

	switch {
	case u.fileID == McuFirmware:
		header := make([]byte, headerSize)
		header[0] = byte(u.expectedLen)
		header[1] = byte(u.expectedLen >> 8)
		header[2] = byte(u.expectedLen >> 16)
		header[3] = byte(u.expectedLen >> 24)
		header[4] = byte(u.expectedCRC32)
		header[5] = byte(u.expectedCRC32 >> 8)
		header[6] = byte(u.expectedCRC32 >> 16)
		header[7] = byte(u.expectedCRC32 >> 24)
		if err := u.dev.Program(u.reservedBase, 0, header); err != nil {
			return errs.Wrap(errs.KindIO, err, "ota: program firmware header")
		}
		if err := u.dev.Sync(); err != nil {
			return errs.Wrap(errs.KindIO, err, "ota: sync firmware header")
		}
	case u.fileID == GnssOfflineAssist:
		compressed, err := compressZstd(u.stagingBuf)
		if err != nil {
			u.abortInternal()
			return errs.Wrap(errs.KindIO, err, "ota: compress gnss offline assist image")
		}
		name, _ := backingFileName(u.fileID)
		_ = u.fs.Remove(name)
		f, err := u.fs.Open(name, flashfs.ModeCreate|flashfs.ModeWrite|flashfs.ModeTruncate)
		if err != nil {
			return err
		}
		if _, err := f.Write(compressed); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		u.stagingBuf = nil
	}

	log.Infof("ota: transfer %s complete", u.transferID)
	return nil
}

// compressZstd encodes data with zstd, the format pkg/gnss/assist expects
// the GNSS offline-assistance backing file to be stored in.
func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// ApplyFileUpdate finalizes the update. MCU firmware requires a device
// reset (the bootloader reads the header on next boot); for the other
// classes, closing the backing file makes the new data immediately live.
func (u *Updater) ApplyFileUpdate() error {
	if u.auxFile != nil {
		if err := u.auxFile.Close(); err != nil {
			return err
		}
		u.auxFile = nil
	}
	u.inProgress = false
	return nil
}
