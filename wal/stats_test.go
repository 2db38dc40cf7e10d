package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStats_Empty(t *testing.T) {
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	stats := w.GetStats()
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Zero(t, stats.LastSequence)
	assert.Zero(t, stats.SequenceCount)
}

func TestGetStats_CountsByType(t *testing.T) {
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(EntryDetected, "v", nil))
	}
	require.NoError(t, w.Append(EntryActionFailed, "v", nil))

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.FirstSequence)
	assert.Equal(t, int64(4), stats.LastSequence)
	assert.Equal(t, int64(4), stats.SequenceCount)
	assert.Equal(t, 3, stats.EntriesByType[EntryDetected])
	assert.Equal(t, 1, stats.EntriesByType[EntryActionFailed])
	assert.Positive(t, stats.CurrentFileSize)
}

func TestGetStatsFromDir_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryDetected, "v", nil))
	require.NoError(t, w.Append(EntryVerdict, "r", nil))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(walFiles(t, dir)[0], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats := GetStatsFromDir(dir, DefaultConfig())
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Equal(t, int64(2), stats.SequenceCount)
	assert.Equal(t, 1, stats.EntriesByType[EntryVerdict])
}

func TestGetStatsFromDir_EmptyDirectory(t *testing.T) {
	stats := GetStatsFromDir(t.TempDir(), DefaultConfig())
	assert.Zero(t, stats.TotalFiles)
	assert.Zero(t, stats.SequenceCount)
}

func TestGetHealth(t *testing.T) {
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Append(EntryDetected, "v", nil))

	health := w.GetHealth()
	assert.True(t, health.Healthy, health.Issues)
	assert.False(t, health.NeedsRotation)
}

func TestGetHealth_NeedsRotation(t *testing.T) {
	config := DefaultConfig()
	config.MaxFileSize = 100
	w, err := OpenWithConfig(t.TempDir(), config)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Append(EntryDetected, "v", make([]byte, 150)))

	health := w.GetHealth()
	assert.False(t, health.Healthy)
	assert.True(t, health.NeedsRotation)
	assert.Greater(t, health.DiskUsagePercent, 90.0)
}
