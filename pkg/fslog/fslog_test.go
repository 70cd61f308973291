package fslog

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

const (
	testChunkSize = 4096
	testMaxSize   = 1 << 20
	testRecSize   = 128
)

func newMountedFS(t *testing.T) *flashfs.FS {
	t.Helper()
	// One data block per chunk file (chunk size == block size) plus the
	// two ping-pong superblock slots and a little headroom.
	numChunks := uint32(testMaxSize / testChunkSize)
	dev := blockdev.NewRAMDevice(numChunks+8, testChunkSize, 256)
	fs := flashfs.New(dev)
	require.NoError(t, fs.Format())
	require.NoError(t, fs.Mount())
	return fs
}

func record(v uint32) []byte {
	b := make([]byte, testRecSize)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func recordValue(t *testing.T, b []byte) uint32 {
	t.Helper()
	require.Len(t, b, testRecSize)
	return binary.LittleEndian.Uint32(b)
}

// S1 - chunked log wrap: fill the log exactly once, then write one more
// record and check the oldest chunk's worth of records was dropped.
func TestLogWrapS1(t *testing.T) {
	fs := newMountedFS(t)
	l := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, l.Create())

	totalRecords := uint32(testMaxSize / testRecSize)
	for i := uint32(0); i < totalRecords; i++ {
		require.NoError(t, l.Write(record(i)))
	}
	assert.EqualValues(t, totalRecords, l.NumEntries())
	for i := uint32(0); i < totalRecords; i++ {
		b, err := l.Read(i)
		require.NoError(t, err)
		assert.EqualValues(t, i, recordValue(t, b))
	}

	require.NoError(t, l.Write(record(totalRecords)))

	// The write algorithm truncates the reused chunk to just the new
	// record, dropping the whole chunk's worth (32) of old records and
	// adding the new one: totalRecords - recordsPerChunk + 1.
	recordsPerChunk := uint32(testChunkSize / testRecSize)
	want := totalRecords - recordsPerChunk + 1
	require.EqualValues(t, want, l.NumEntries())

	oldest, err := l.Read(0)
	require.NoError(t, err)
	assert.EqualValues(t, recordsPerChunk, recordValue(t, oldest))

	newest, err := l.Read(want - 1)
	require.NoError(t, err)
	assert.EqualValues(t, totalRecords, recordValue(t, newest))
}

func TestLogRoundTrip(t *testing.T) {
	fs := newMountedFS(t)
	l := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, l.Create())

	n := uint32(500)
	for i := uint32(0); i < n; i++ {
		require.NoError(t, l.Write(record(i)))
	}
	require.EqualValues(t, n, l.NumEntries())
	for i := uint32(0); i < n; i++ {
		b, err := l.Read(i)
		require.NoError(t, err)
		assert.EqualValues(t, i, recordValue(t, b))
	}

	_, err := l.Read(n)
	assert.Error(t, err)
}

// Persistence invariant - a freshly constructed Log over the same FS
// path must recover the same state after Create.
func TestLogPersistsAcrossReopen(t *testing.T) {
	fs := newMountedFS(t)
	l := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, l.Create())

	n := uint32(200)
	for i := uint32(0); i < n; i++ {
		require.NoError(t, l.Write(record(i)))
	}
	require.NoError(t, l.Close())

	reopened := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, reopened.Create())
	require.EqualValues(t, n, reopened.NumEntries())
	for i := uint32(0); i < n; i++ {
		b, err := reopened.Read(i)
		require.NoError(t, err)
		assert.EqualValues(t, i, recordValue(t, b))
	}
}

func TestLogRejectsWrongRecordSize(t *testing.T) {
	fs := newMountedFS(t)
	l := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, l.Create())
	err := l.Write(make([]byte, testRecSize-1))
	assert.Error(t, err)
}

func TestLogTruncateDiscardsRecords(t *testing.T) {
	fs := newMountedFS(t)
	l := New(fs, "log", testChunkSize, testMaxSize, testRecSize)
	require.NoError(t, l.Create())
	require.NoError(t, l.Write(record(1)))
	require.NoError(t, l.Write(record(2)))
	require.EqualValues(t, 2, l.NumEntries())

	require.NoError(t, l.Truncate())
	assert.EqualValues(t, 0, l.NumEntries())
	require.NoError(t, l.Write(record(99)))
	b, err := l.Read(0)
	require.NoError(t, err)
	assert.EqualValues(t, 99, recordValue(t, b))
}
