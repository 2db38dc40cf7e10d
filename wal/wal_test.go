package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/types"
)

func walFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "argus-*.wal"))
	require.NoError(t, err)
	return files
}

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	v := types.Violation{
		ID:         "v-1",
		PolicyID:   "s3-public-read",
		ResourceID: "arn:aws:s3:::logs",
		Severity:   types.SeverityHigh,
	}
	sequence := []EntryType{EntryDetected, EntryActionStarted, EntryActionExecuted}
	for _, et := range sequence {
		require.NoError(t, w.Append(et, v.ID, v))
	}
	require.NoError(t, w.Close())

	files := walFiles(t, dir)
	require.Len(t, files, 1)
	reader, err := NewReader(files[0])
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	for i, want := range sequence {
		entry, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, want, entry.Type)
		assert.Equal(t, "v-1", entry.Subject)
		assert.Equal(t, int64(i+1), entry.Sequence)
	}
	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWAL_AppendError(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	cause := errors.New("AccessDenied: ec2:StopInstances")
	require.NoError(t, w.AppendError(EntryActionFailed, "v-1", map[string]string{"action": "STOP"}, cause))
	require.NoError(t, w.Close())

	reader, err := NewReader(walFiles(t, dir)[0])
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	entry, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, EntryActionFailed, entry.Type)
	assert.Equal(t, cause.Error(), entry.Error)
}

func TestWAL_DataIntegrity(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	v := types.Violation{
		ID:              "v-2",
		PolicyID:        "p",
		ResourceID:      "r",
		ResolutionNotes: "notes with \"quotes\" and \nnewlines",
		Evidence:        types.Properties{"public_read": types.Bool(true)},
	}
	require.NoError(t, w.Append(EntryResolved, v.ID, v))
	require.NoError(t, w.Close())

	reader, err := NewReader(walFiles(t, dir)[0])
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	entry, err := reader.Next()
	require.NoError(t, err)

	var got types.Violation
	require.NoError(t, json.Unmarshal(entry.Data, &got))
	assert.Equal(t, v.ResolutionNotes, got.ResolutionNotes)
	assert.Equal(t, v.Evidence, got.Evidence)
}

func TestWAL_Replay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(EntryDetected, "old", nil))
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Append(EntryDetected, "new-1", nil))
	require.NoError(t, w.Append(EntryScheduled, "new-2", nil))
	require.NoError(t, w.Close())

	var replayed []string
	err = Replay(dir, cutoff, func(e *Entry) error {
		replayed = append(replayed, e.Subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new-1", "new-2"}, replayed)
}

func TestWAL_ReplayStopsOnHandlerError(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(EntryDetected, fmt.Sprintf("v-%d", i), nil))
	}
	require.NoError(t, w.Close())

	stop := errors.New("stop")
	seen := 0
	err = Replay(dir, time.Time{}, func(*Entry) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestWAL_SequenceContinuesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w1.sequence)
	for i := 0; i < 3; i++ {
		require.NoError(t, w1.Append(EntryDetected, "v", nil))
	}
	require.NoError(t, w1.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()
	assert.Equal(t, int64(3), w2.sequence)

	require.NoError(t, w2.Append(EntryDetected, "v", nil))
	assert.Equal(t, int64(4), w2.sequence)
	assert.Len(t, walFiles(t, dir), 2)
}

func TestWAL_RotationKeepsSequence(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.MaxFileSize = 500

	w, err := OpenWithConfig(dir, config)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(EntryActionExecuted, "v", "some data"))
	}
	require.NoError(t, w.Close())

	files := walFiles(t, dir)
	assert.Greater(t, len(files), 1)

	var sequences []int64
	require.NoError(t, Replay(dir, time.Time{}, func(e *Entry) error {
		sequences = append(sequences, e.Sequence)
		return nil
	}))
	require.Len(t, sequences, 20)
	for i, seq := range sequences {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestWAL_NoRotationBelowLimit(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(EntryDetected, "v", "data"))
	}
	assert.Len(t, w.listWALFiles(), 1)
}
