// Package ipc implements the filesystem channel between the host and its
// sandboxes: a per-group directory tree, an atomic request/response
// transport, heartbeat freshness, and the cooperative cancel file.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Subdirectory and file names inside a group's IPC directory.
const (
	InputDir      = "agent-input"
	OutputDir     = "agent-output"
	HeartbeatFile = "agent-heartbeat"
	CancelFile    = "cancel"
	MessagesDir   = "messages"
	TasksDir      = "tasks"
	BrowseDir     = "browse"
	StatusDir     = "status"

	// ErrorsDir lives at the IPC root, not inside a group.
	ErrorsDir = "errors"
)

var folderRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidFolder reports whether name is an acceptable group folder.
func ValidFolder(name string) bool {
	return folderRe.MatchString(name)
}

// Layout resolves paths under a deployment's IPC root.
type Layout struct {
	Root string
}

// GroupDir returns the IPC directory for folder. The folder must be valid
// and the result is guaranteed to stay inside Root.
func (l Layout) GroupDir(folder string) (string, error) {
	if !ValidFolder(folder) {
		return "", fmt.Errorf("invalid group folder %q", folder)
	}
	return securejoin.SecureJoin(l.Root, folder)
}

// Ensure creates the group's IPC tree and returns its directory. Calling it
// again is harmless.
func (l Layout) Ensure(folder string) (string, error) {
	dir, err := l.GroupDir(folder)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{InputDir, OutputDir, MessagesDir, TasksDir, BrowseDir, StatusDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return "", fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	return dir, nil
}

// ErrorDir returns the shared directory for files that failed handling.
func (l Layout) ErrorDir() string {
	return filepath.Join(l.Root, ErrorsDir)
}

// Groups lists group folders that currently have an IPC directory. The
// filesystem is the registry; there is no separate index.
func (l Layout) Groups() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ipc root: %w", err)
	}
	var groups []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ErrorsDir || !ValidFolder(e.Name()) {
			continue
		}
		groups = append(groups, e.Name())
	}
	sort.Strings(groups)
	return groups, nil
}
