package blockdev

import (
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRAMDeviceIsFullyErased(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	assert.EqualValues(t, 4, d.BlockCount())
	assert.EqualValues(t, 256, d.BlockSize())
	assert.EqualValues(t, 64, d.PageSize())

	for b := uint32(0); b < d.BlockCount(); b++ {
		ok, err := IsErased(d, b)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestProgramThenReadRoundTrip(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.Program(1, 64, data))

	got := make([]byte, 64)
	require.NoError(t, d.Read(1, 64, got))
	assert.Equal(t, data, got)

	ok, err := IsErased(d, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgramRefusesUnerasedRegion(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	data := make([]byte, 64)
	data[0] = 0xAB
	require.NoError(t, d.Program(0, 0, data))

	err := d.Program(0, 0, data)
	assert.Error(t, err)
}

func TestEraseRestoresBlank(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	data := make([]byte, 64)
	data[0] = 0xAB
	require.NoError(t, d.Program(0, 0, data))

	require.NoError(t, d.Erase(0))
	ok, err := IsErased(d, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Erasing one block must never disturb its neighbors.
	data2 := make([]byte, 64)
	data2[0] = 0xCD
	require.NoError(t, d.Program(1, 0, data2))
	require.NoError(t, d.Erase(0))
	got := make([]byte, 64)
	require.NoError(t, d.Read(1, 0, got))
	assert.Equal(t, data2, got)
}

func TestReadRejectsUnalignedOffsetOrLength(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	buf := make([]byte, 64)
	assert.Error(t, d.Read(0, 1, buf))

	short := make([]byte, 10)
	assert.Error(t, d.Read(0, 0, short))
}

func TestProgramRejectsUnalignedOffsetOrLength(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	data := make([]byte, 10)
	assert.Error(t, d.Program(0, 0, data))
}

func TestOutOfRangeBlockRejected(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	buf := make([]byte, 64)
	assert.Error(t, d.Read(4, 0, buf))
	assert.Error(t, d.Program(4, 0, buf))
	assert.Error(t, d.Erase(4))
}

func TestReadPastBlockEndRejected(t *testing.T) {
	d := NewRAMDevice(4, 256, 64)
	buf := make([]byte, 256)
	// BlockSize is 256 but offset 64 + len 256 would run past this
	// block's end into the next block's bytes; Read has no notion of
	// spanning blocks, so the device must still bound it to the array.
	err := d.Read(3, 64, buf)
	assert.Error(t, err)
}

func TestNewFileDeviceIsFullyErased(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")
	d, err := OpenFileDevice(p, 4, 256, 64)
	require.NoError(t, err)
	defer d.Close()

	for b := uint32(0); b < d.BlockCount(); b++ {
		ok, err := IsErased(d, b)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestFileDeviceProgramRefusesUnerasedRegion(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")
	d, err := OpenFileDevice(p, 4, 256, 64)
	require.NoError(t, err)
	defer d.Close()

	data := make([]byte, 64)
	data[0] = 0xAB
	require.NoError(t, d.Program(0, 0, data))
	assert.Error(t, d.Program(0, 0, data))

	require.NoError(t, d.Erase(0))
	require.NoError(t, d.Program(0, 0, data))
}

func TestFileDevicePersistsAcrossReopen(t *testing.T) {
	p := path.Join(t.TempDir(), "flash.img")
	d, err := OpenFileDevice(p, 4, 256, 64)
	require.NoError(t, err)

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.Program(2, 64, data))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	d2, err := OpenFileDevice(p, 4, 256, 64)
	require.NoError(t, err)
	defer d2.Close()

	got := make([]byte, 64)
	require.NoError(t, d2.Read(2, 64, got))
	assert.Equal(t, data, got)

	ok, err := IsErased(d2, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
