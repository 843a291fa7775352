package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// FileWriter appends JSON log lines to dir/<component>-YYYY-MM-DD.jsonl,
// switching files at midnight and keeping a <component>.latest symlink
// pointed at the current day.
type FileWriter struct {
	dir       string
	component string
	mu        sync.Mutex
	file      *os.File
	currDate  string
	now       func() time.Time
}

// NewFileWriter creates a FileWriter for component under dir.
func NewFileWriter(dir, component string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}

	fw := &FileWriter{dir: dir, component: component, now: time.Now}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.rotateLocked(); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.file == nil {
		return 0, os.ErrClosed
	}
	if fw.now().Format(dateLayout) != fw.currDate {
		if err := fw.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the underlying file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

// fileName returns the log file for day.
func (fw *FileWriter) fileName(day string) string {
	return fw.component + "-" + day + ".jsonl"
}

func (fw *FileWriter) rotateLocked() error {
	if fw.file != nil {
		fw.file.Close()
	}

	today := fw.now().Format(dateLayout)
	name := fw.fileName(today)
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fw.file = f
	fw.currDate = today

	link := filepath.Join(fw.dir, fw.component+".latest")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(name, tmp); err == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

var logFilePattern = regexp.MustCompile(`^[a-z0-9-]+-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup removes log files of any component older than retentionDays.
func Cleanup(dir string, retentionDays int) {
	cleanup(dir, retentionDays, time.Now())
}

func cleanup(dir string, retentionDays int, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := logFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		day, err := time.ParseInLocation(dateLayout, m[1], now.Location())
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
