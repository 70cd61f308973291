package ota

import (
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

func newTestUpdater(t *testing.T) (*Updater, *flashfs.FS, *blockdev.RAMDevice) {
	t.Helper()
	dev := blockdev.NewRAMDevice(32, 4096, 256)
	fs := flashfs.New(dev)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())
	u := New(dev, fs, 16, 4)
	return u, fs, dev
}

func pattern256() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// S2 - OTA happy path.
func TestCoprocessorFirmwareHappyPath(t *testing.T) {
	u, fs, _ := newTestUpdater(t)
	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)

	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(payload)), sum))
	// Split into arbitrary chunks.
	require.NoError(t, u.WriteFileData(payload[:100]))
	require.NoError(t, u.WriteFileData(payload[100:200]))
	require.NoError(t, u.WriteFileData(payload[200:]))
	require.NoError(t, u.CompleteFileTransfer())
	require.NoError(t, u.ApplyFileUpdate())

	f, err := fs.Open(coprocessorFirmwareName, flashfs.ModeRead)
	require.NoError(t, err)
	defer f.Close()
	got := make([]byte, f.Size())
	_, err = f.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// S3 - OTA CRC mismatch: a flipped payload byte must fail
// CompleteFileTransfer with a CRC error and leave no backing file.
func TestCoprocessorFirmwareCRCMismatch(t *testing.T) {
	u, fs, _ := newTestUpdater(t)
	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)

	corrupted := append([]byte(nil), payload...)
	corrupted[10] ^= 0xFF

	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(corrupted)), sum))
	require.NoError(t, u.WriteFileData(corrupted))
	err := u.CompleteFileTransfer()
	require.Error(t, err)

	_, statErr := fs.Stat(coprocessorFirmwareName)
	assert.Error(t, statErr)

	// A fresh transfer must be accepted immediately afterward.
	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(payload)), sum))
}

func TestWriteFileDataOverflowAborts(t *testing.T) {
	u, fs, _ := newTestUpdater(t)
	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)
	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(payload)), sum))

	err := u.WriteFileData(append(payload, 0x00))
	require.Error(t, err)
	_, statErr := fs.Stat(coprocessorFirmwareName)
	assert.Error(t, statErr)

	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(payload)), sum))
}

func TestAbortFileTransferDeletesBackingFile(t *testing.T) {
	u, fs, _ := newTestUpdater(t)
	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)
	require.NoError(t, u.StartFileTransfer(CoprocessorFirmware, uint32(len(payload)), sum))
	require.NoError(t, u.WriteFileData(payload[:50]))
	require.NoError(t, u.AbortFileTransfer())

	_, statErr := fs.Stat(coprocessorFirmwareName)
	assert.Error(t, statErr)
}

func TestMcuFirmwareHappyPath(t *testing.T) {
	// Byte-granular page size: the reserved MCU region models a raw flash
	// part written at arbitrary offsets, unlike the page-aligned file
	// system region the other two file classes use.
	dev := blockdev.NewRAMDevice(32, 4096, 1)
	fs := flashfs.New(dev)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())
	u := New(dev, fs, 16, 4)

	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)

	require.NoError(t, u.StartFileTransfer(McuFirmware, uint32(len(payload)), sum))
	require.NoError(t, u.WriteFileData(payload))
	require.NoError(t, u.CompleteFileTransfer())
	require.NoError(t, u.ApplyFileUpdate())

	header := make([]byte, headerSize)
	require.NoError(t, dev.Read(16, 0, header))
	gotLen := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
	assert.EqualValues(t, len(payload), gotLen)
}

func TestGnssOfflineAssistRoundTripsThroughCompression(t *testing.T) {
	u, fs, _ := newTestUpdater(t)
	payload := pattern256()
	sum := crc.ChecksumIEEE(payload)

	require.NoError(t, u.StartFileTransfer(GnssOfflineAssist, uint32(len(payload)), sum))
	require.NoError(t, u.WriteFileData(payload))
	require.NoError(t, u.CompleteFileTransfer())
	require.NoError(t, u.ApplyFileUpdate())

	f, err := fs.Open(gnssOfflineAssistName, flashfs.ModeRead)
	require.NoError(t, err)
	defer f.Close()
	raw := make([]byte, f.Size())
	_, err = f.Read(raw)
	require.NoError(t, err)
	// The on-disk bytes are zstd-compressed, not the raw payload.
	assert.NotEqual(t, payload, raw)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := dec.DecodeAll(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}
