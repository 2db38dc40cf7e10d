package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats reports what a cleanup removed.
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes files whose last write is older than the retention period.
// A retention of zero or less keeps everything.
func Cleanup(dir string, config Config) error {
	_, err := CleanupWithStats(dir, config)
	return err
}

// CleanupWithStats is Cleanup that also reports what it removed.
func CleanupWithStats(dir string, config Config) (CleanupStats, error) {
	if config.RetentionDays <= 0 {
		return CleanupStats{}, nil
	}
	return removeFiles(filterOldFiles(findAllWALFiles(dir, config.FilePrefix), calculateCutoffTime(config.RetentionDays)))
}

// Cleanup prunes expired files of an open WAL. The active file is never
// removed, however old.
func (w *WAL) Cleanup() (CleanupStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.config.RetentionDays <= 0 {
		return CleanupStats{}, nil
	}
	var active string
	if w.file != nil {
		active = w.file.Name()
	}
	var files []string
	for _, f := range filterOldFiles(w.listWALFiles(), calculateCutoffTime(w.config.RetentionDays)) {
		if f != active {
			files = append(files, f)
		}
	}
	return removeFiles(files)
}

func removeFiles(files []string) (CleanupStats, error) {
	var stats CleanupStats
	if len(files) == 0 {
		return stats, nil
	}

	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
	}
	return stats, nil
}

func calculateCutoffTime(retentionDays int) time.Time {
	return time.Now().AddDate(0, 0, -retentionDays)
}

// findAllWALFiles returns matching files in name order, which is creation
// order.
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	return files
}

func filterOldFiles(files []string, cutoff time.Time) []string {
	var old []string
	for _, file := range files {
		if isOlderThan(file, cutoff) {
			old = append(old, file)
		}
	}
	return old
}

func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if oldest.IsZero() || mod.Before(oldest) {
			oldest = mod
		}
		if mod.After(newest) {
			newest = mod
		}
	}
	return oldest, newest
}
