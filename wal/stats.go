package wal

import (
	"errors"
	"io"
	"path/filepath"
	"time"
)

// Stats summarizes the audit log on disk.
type Stats struct {
	TotalFiles      int
	TotalSizeBytes  int64
	OldestFile      time.Time
	NewestFile      time.Time
	CurrentFileSize int64

	FirstSequence int64
	LastSequence  int64
	SequenceCount int64

	EntriesByType map[EntryType]int
	WritesPerFile map[string]int
}

// GetStats returns statistics for the open WAL.
func (w *WAL) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := statsForFiles(w.listWALFiles())
	stats.LastSequence = w.sequence
	stats.CurrentFileSize = w.size
	stats.SequenceCount = sequenceCount(stats.FirstSequence, stats.LastSequence)
	return stats
}

// GetStatsFromDir returns statistics for a directory without opening it.
func GetStatsFromDir(dir string, config Config) Stats {
	return statsForFiles(findAllWALFiles(dir, config.FilePrefix))
}

func statsForFiles(files []string) Stats {
	stats := Stats{
		EntriesByType: map[EntryType]int{},
		WritesPerFile: map[string]int{},
	}
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		first, last := scanFile(file, func(e *Entry) {
			stats.EntriesByType[e.Type]++
			stats.WritesPerFile[filepath.Base(file)]++
		})
		if first > 0 && (stats.FirstSequence == 0 || first < stats.FirstSequence) {
			stats.FirstSequence = first
		}
		if last > stats.LastSequence {
			stats.LastSequence = last
		}
	}
	stats.SequenceCount = sequenceCount(stats.FirstSequence, stats.LastSequence)
	return stats
}

func sequenceCount(first, last int64) int64 {
	if first == 0 || last < first {
		return 0
	}
	return last - first + 1
}

// scanFile visits every readable entry and returns the lowest and highest
// sequence seen. Corrupted lines are skipped.
func scanFile(path string, visit func(*Entry)) (first, last int64) {
	reader, err := NewReader(path)
	if err != nil {
		return 0, 0
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return first, last
		}
		if err != nil {
			if reader.scanner.Err() != nil {
				return first, last
			}
			continue
		}
		if visit != nil {
			visit(entry)
		}
		if first == 0 || entry.Sequence < first {
			first = entry.Sequence
		}
		if entry.Sequence > last {
			last = entry.Sequence
		}
	}
}

func findLastSequenceInFiles(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		if _, last := scanFile(file, nil); last > maxSeq {
			maxSeq = last
		}
	}
	return maxSeq
}

// HealthStatus reports conditions an operator should act on.
type HealthStatus struct {
	Healthy          bool
	DiskUsagePercent float64
	OldestFileAge    time.Duration
	NeedsRotation    bool
	NeedsCleanup     bool
	Issues           []string
}

// GetHealth checks the current file size and the age of the oldest file.
func (w *WAL) GetHealth() HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	health := HealthStatus{Issues: []string{}}

	health.DiskUsagePercent = float64(w.size) / float64(w.config.MaxFileSize) * 100
	if health.DiskUsagePercent > 90 {
		health.Issues = append(health.Issues, "current file >90% of max size")
	}

	if files := w.listWALFiles(); len(files) > 0 {
		oldest, _ := findTimeRange(files)
		health.OldestFileAge = time.Since(oldest)
		if w.config.RetentionDays > 0 && health.OldestFileAge > time.Duration(w.config.RetentionDays)*24*time.Hour {
			health.NeedsCleanup = true
			health.Issues = append(health.Issues, "old files exceed retention period")
		}
	}

	if w.shouldRotate() {
		health.NeedsRotation = true
		health.Issues = append(health.Issues, "file rotation needed")
	}

	health.Healthy = len(health.Issues) == 0
	return health
}
