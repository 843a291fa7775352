package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
)

const lockFileName = "daemon.lock"

// serveLockFileName is held with flock for the lifetime of `corral serve`
// so two daemons never manage the same data directory.
const serveLockFileName = "daemon.serve.lock"

// ErrAlreadyRunning is returned by AcquireServeLock when another daemon
// holds the data directory.
var ErrAlreadyRunning = errors.New("a corral daemon is already running for this data directory")

// LockInfo holds information about a running daemon.
type LockInfo struct {
	PID        int       `json:"pid"`
	Engine     string    `json:"engine"`
	Image      string    `json:"image"`
	ControlDir string    `json:"control_dir"`
	StartedAt  time.Time `json:"started_at"`
}

// IsAlive checks if the daemon process is still running.
func (l *LockInfo) IsAlive() bool {
	process, err := os.FindProcess(l.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteLockFile writes the daemon lock file.
func WriteLockFile(dir string, info LockInfo) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(dir, lockFileName), data, 0644)
}

// ReadLockFile reads the daemon lock file. Returns nil, nil if not found.
func ReadLockFile(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveLockFile removes the daemon lock file.
func RemoveLockFile(dir string) {
	os.Remove(filepath.Join(dir, lockFileName))
}

// Running returns the lock of a live daemon for dir, or nil. A lock left by
// a dead process is removed.
func Running(dir string) (*LockInfo, error) {
	lock, err := ReadLockFile(dir)
	if err != nil {
		return nil, fmt.Errorf("reading daemon lock: %w", err)
	}
	if lock == nil {
		return nil, nil
	}
	if !lock.IsAlive() {
		RemoveLockFile(dir)
		return nil, nil
	}
	return lock, nil
}

// AcquireServeLock takes an exclusive, non-blocking advisory lock on dir.
// The returned function releases it.
func AcquireServeLock(dir string) (unlock func(), err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, serveLockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
