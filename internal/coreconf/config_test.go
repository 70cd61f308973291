package coreconf

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(path.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigOverlaysFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	confPath := path.Join(dir, "horizon.json")
	require.NoError(t, os.WriteFile(confPath, []byte(`{
		"BlockCount": 512,
		"RadioIdleTimeoutMs": 1000
	}`), 0o644))

	cfg, err := LoadConfig(confPath)
	require.NoError(t, err)
	assert.EqualValues(t, 512, cfg.BlockCount)
	assert.Equal(t, 1000, cfg.RadioIdleTimeoutMs)
	// Everything not present in the file keeps its default value.
	assert.EqualValues(t, Default().BlockSize, cfg.BlockSize)
	assert.EqualValues(t, Default().ChunkSize, cfg.ChunkSize)
}

func TestLoadConfigRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	confPath := path.Join(dir, "horizon.json")
	require.NoError(t, os.WriteFile(confPath, []byte(`{"BlockCount": `), 0o644))

	_, err := LoadConfig(confPath)
	assert.Error(t, err)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	confPath := path.Join(dir, "horizon.json")

	cfg := Default()
	cfg.GNSSHAccThresholdM = 12.5
	cfg.GNSSCyclicTracking = true
	require.NoError(t, Save(cfg, confPath))

	loaded, err := LoadConfig(confPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
