// Package wal is the append-only enforcement audit log. Every detected
// violation, action outcome, denial signal, deferred schedule and CI verdict
// is written here before and after it takes effect, one JSON line per entry.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType classifies an audit entry.
type EntryType string

const (
	EntryDetected       EntryType = "detected"
	EntryDuplicate      EntryType = "duplicate"
	EntryActionStarted  EntryType = "action_started"
	EntryActionExecuted EntryType = "action_executed"
	EntryActionFailed   EntryType = "action_failed"
	EntryActionSkipped  EntryType = "action_skipped"
	EntryDenied         EntryType = "denied"
	EntryScheduled      EntryType = "scheduled"
	EntryVerdict        EntryType = "verdict"
	EntryResolved       EntryType = "resolved"
)

// Entry is one line of the log. Subject is the violation id, or the
// resource id for entries that never create a violation.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig rotates at 64MB and keeps 30 days.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "argus",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// WAL appends entries to the current file and rotates by size. Safe for
// concurrent use.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open opens a WAL in dir with the default configuration.
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a new file in dir and continues the sequence from the
// highest one found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{dir: dir, config: config}
	w.loadSequence()
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Dir returns the directory the WAL writes to.
func (w *WAL) Dir() string {
	return w.dir
}

// Close flushes and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry.
func (w *WAL) Append(entryType EntryType, subject string, data any) error {
	return w.append(entryType, subject, data, nil)
}

// AppendError adds an entry carrying the error that caused it.
func (w *WAL) AppendError(entryType EntryType, subject string, data any, cause error) error {
	return w.append(entryType, subject, data, cause)
}

func (w *WAL) append(entryType EntryType, subject string, data any, cause error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		Subject:   subject,
		Data:      jsonData,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return w.writeEntry(entry)
}

func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := w.writer.Write(line)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	return w.size >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openFile()
}

// openFile creates the next file. Names sort chronologically; a counter
// suffix keeps them unique within one second.
func (w *WAL) openFile() error {
	stamp := time.Now().UTC().Format("20060102-150405")
	var path string
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s-%s-%04d.wal", w.config.FilePrefix, stamp, i)
		path = filepath.Join(w.dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = 0
	return nil
}

func (w *WAL) loadSequence() {
	w.sequence = findLastSequenceInFiles(w.listWALFiles())
}

func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader reads entries from one file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens path for reading.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry written after since, in sequence
// order across all files with the default prefix.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for a custom file prefix.
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	files := findAllWALFiles(dir, config.FilePrefix)
	sort.Strings(files)

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
