package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agedFile(t *testing.T, dir, name string, age time.Duration, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestCleanup_NoFiles(t *testing.T) {
	assert.NoError(t, Cleanup(t.TempDir(), DefaultConfig()))
}

func TestCleanup_KeepsFreshFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryDetected, "v", nil))
	require.NoError(t, w.Close())

	require.NoError(t, Cleanup(dir, DefaultConfig()))
	assert.Len(t, walFiles(t, dir), 1)
}

func TestCleanup_MixedAges(t *testing.T) {
	dir := t.TempDir()
	old := agedFile(t, dir, "argus-20200101-120000-0000.wal", 60*24*time.Hour, "")
	recent := agedFile(t, dir, "argus-20200301-120000-0000.wal", 10*24*time.Hour, "")
	other := agedFile(t, dir, "other-20200101-120000-0000.wal", 60*24*time.Hour, "")

	require.NoError(t, Cleanup(dir, DefaultConfig()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.FileExists(t, other, "foreign prefix is left alone")
}

func TestCleanup_ZeroRetentionKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	path := agedFile(t, dir, "argus-20200101-120000-0000.wal", 400*24*time.Hour, "")

	config := DefaultConfig()
	config.RetentionDays = 0
	require.NoError(t, Cleanup(dir, config))
	assert.FileExists(t, path)
}

func TestCleanupWithStats(t *testing.T) {
	dir := t.TempDir()
	agedFile(t, dir, "argus-20200101-120000-0000.wal", 50*24*time.Hour, "12345")
	agedFile(t, dir, "argus-20200102-120000-0000.wal", 40*24*time.Hour, "1234567890")

	stats, err := CleanupWithStats(dir, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesRemoved)
	assert.Equal(t, int64(15), stats.BytesFreed)
	assert.True(t, stats.OldestRemoved.Before(stats.NewestRemoved))

	stats, err = CleanupWithStats(dir, DefaultConfig())
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
}

func TestIsOlderThan(t *testing.T) {
	dir := t.TempDir()
	path := agedFile(t, dir, "argus-x.wal", 2*time.Hour, "")

	assert.True(t, isOlderThan(path, time.Now().Add(-time.Hour)))
	assert.False(t, isOlderThan(path, time.Now().Add(-3*time.Hour)))
	assert.False(t, isOlderThan(filepath.Join(dir, "missing.wal"), time.Now()))
}

func TestWAL_CleanupSparesActiveFile(t *testing.T) {
	dir := t.TempDir()
	old := agedFile(t, dir, "argus-20200101-120000-0000.wal", 60*24*time.Hour, "")

	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append(EntryDetected, "v", nil))

	active := w.file.Name()
	mod := time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(active, mod, mod))

	stats, err := w.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.NoFileExists(t, old)
	assert.FileExists(t, active)
}
