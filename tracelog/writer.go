// Package tracelog persists the protocol trace diag.TraceBuffer holds in
// memory to disk, so a session's history survives past the process that
// ran it. Grounded on logs/writer.go's Writer: a current-file-plus-symlink
// layout, a manual Rotate with a CanRotate cooldown check, and age-based
// Cleanup — all of that machinery carries over unchanged. There is no size
// limit: a file grows until Rotate is called. What's dropped is the ANSI/cursor
// cleaning pipeline (cleanCursorPositions, ansiRegex, recentLines dedup):
// there is no raw terminal byte stream here, only discrete structured trace
// lines the core already produced, so nothing needs cleaning.
package tracelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Writer appends structured trace lines for a single session to a
// rotatable, retention-managed log file under basePath.
type Writer struct {
	mu            sync.Mutex
	basePath      string
	retentionDays int

	file         *os.File
	lastRotation time.Time
}

// NewWriter creates a Writer rooted at basePath. retentionDays of 0 or
// less disables Cleanup.
func NewWriter(basePath string, retentionDays int) *Writer {
	return &Writer{basePath: basePath, retentionDays: retentionDays}
}

// Write appends one trace line: "<RFC3339 timestamp> [<kind>] <message>\n".
func (w *Writer) Write(kind, message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile()
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format(time.RFC3339), kind, message)
	_, err = f.WriteString(line)
	return err
}

func (w *Writer) getOrCreateFile() (*os.File, error) {
	if w.file != nil {
		return w.file, nil
	}

	if err := os.MkdirAll(w.basePath, 0755); err != nil {
		return nil, fmt.Errorf("tracelog: creating log directory: %w", err)
	}

	symlinkPath := filepath.Join(w.basePath, "current.log")
	if target, err := os.Readlink(symlinkPath); err == nil {
		existingPath := filepath.Join(w.basePath, target)
		if f, err := os.OpenFile(existingPath, os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w.file = f
			return f, nil
		}
	}

	base := time.Now().Format("2006-01-02_15-04-05")
	filename := base + ".log"
	path := filepath.Join(w.basePath, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	for i := 1; os.IsExist(err); i++ {
		filename = fmt.Sprintf("%s_%d.log", base, i)
		path = filepath.Join(w.basePath, filename)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("tracelog: creating log file: %w", err)
	}
	w.file = f

	os.Remove(symlinkPath)
	os.Symlink(filename, symlinkPath)
	log.Infof("tracelog: created log file %s", path)
	return f, nil
}

// CanRotate reports whether the cooldown since the last Rotate has
// elapsed, so callers driving rotation off an external trigger (e.g. a
// reconnect) don't thrash the filesystem.
func (w *Writer) CanRotate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRotation.IsZero() || time.Since(w.lastRotation) >= 2*time.Minute
}

// Rotate closes the current file and immediately starts a new one,
// returning the new file's name.
func (w *Writer) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.lastRotation = time.Now()
	os.Remove(filepath.Join(w.basePath, "current.log"))

	// The symlink is already gone, so getOrCreateFile's continuation
	// branch can't match — it always creates a fresh file here.
	f, err := w.getOrCreateFile()
	if err != nil {
		return "", err
	}
	return filepath.Base(f.Name()), nil
}

// ListLogs returns this session's retained log filenames, newest first.
func (w *Writer) ListLogs() ([]string, error) {
	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	type logEntry struct {
		name    string
		modTime time.Time
	}
	var logs []logEntry
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" || entry.Name() == "current.log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logEntry{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime.After(logs[j].modTime) })

	names := make([]string, len(logs))
	for i, l := range logs {
		names[i] = l.name
	}
	return names, nil
}

// GetLogPath resolves filename within this Writer's basePath.
func (w *Writer) GetLogPath(filename string) string {
	return filepath.Join(w.basePath, filename)
}

// Cleanup removes log files older than retentionDays.
func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" || entry.Name() == "current.log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(w.basePath, entry.Name())
			os.Remove(path)
			log.Infof("tracelog: cleaned up old log %s", path)
		}
	}
}

// Close flushes and closes the active log file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}
