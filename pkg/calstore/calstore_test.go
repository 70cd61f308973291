package calstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

func newMountedFS(t *testing.T) *flashfs.FS {
	t.Helper()
	dev := blockdev.NewRAMDevice(16, 4096, 256)
	fs := flashfs.New(dev)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())
	return fs
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	fs := newMountedFS(t)
	s, err := Open(fs, "accel")
	require.NoError(t, err)
	_, err = s.Read(0)
	assert.Error(t, err)
}

func TestWriteSaveReopenRoundTrip(t *testing.T) {
	fs := newMountedFS(t)
	s, err := Open(fs, "accel")
	require.NoError(t, err)

	s.Write(0, 1.5)
	s.Write(4096, -2.25)
	require.NoError(t, s.Close())

	reopened, err := Open(fs, "accel")
	require.NoError(t, err)
	v, err := reopened.Read(0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	v, err = reopened.Read(4096)
	require.NoError(t, err)
	assert.Equal(t, -2.25, v)
}

func TestSaveIsNoOpWhenNotDirty(t *testing.T) {
	fs := newMountedFS(t)
	s, err := Open(fs, "accel")
	require.NoError(t, err)
	require.NoError(t, s.Save(false))
	_, statErr := fs.Stat("accel.CAL")
	assert.Error(t, statErr, "an unwritten store should never materialize a .CAL file")
}

func TestTruncatedFileTreatedAsEmpty(t *testing.T) {
	fs := newMountedFS(t)
	f, err := fs.Open("accel.CAL", flashfs.ModeCreate|flashfs.ModeWrite)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03}) // not a multiple of recordSize
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err := Open(fs, "accel")
	require.NoError(t, err)
	_, err = s.Read(0)
	assert.Error(t, err)
}

func TestResetClearsValues(t *testing.T) {
	fs := newMountedFS(t)
	s, err := Open(fs, "accel")
	require.NoError(t, err)
	s.Write(0, 9.0)
	s.Reset()
	_, err = s.Read(0)
	assert.Error(t, err)
}
