package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
)

// CancelPath returns the cancel file for a group IPC directory.
func CancelPath(dir string) string {
	return filepath.Join(dir, CancelFile)
}

// WriteCancel asks the sandbox in dir to stop its current work. The sandbox
// acknowledges by deleting the file.
func WriteCancel(dir, reason string, now time.Time) error {
	data, err := json.Marshal(struct {
		Reason    string `json:"reason,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}{reason, now.UnixMilli()})
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(CancelPath(dir), data, 0644)
}

// CancelPending reports whether a cancel file is present.
func CancelPending(dir string) bool {
	_, err := os.Stat(CancelPath(dir))
	return err == nil
}

// RemoveCancel deletes the cancel file, if any.
func RemoveCancel(dir string) error {
	err := os.Remove(CancelPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeStaleCancel removes a cancel file older than maxAge and reports
// whether it did.
func PurgeStaleCancel(dir string, maxAge time.Duration, now time.Time) bool {
	info, err := os.Stat(CancelPath(dir))
	if err != nil || now.Sub(info.ModTime()) <= maxAge {
		return false
	}
	return RemoveCancel(dir) == nil
}
