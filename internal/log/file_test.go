package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileWriter_Write(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir, "daemon")
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte(`{"msg":"test"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "daemon-"+time.Now().Format(dateLayout)+".jsonl"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `{"msg":"test"}`) {
		t.Errorf("expected content to contain test message, got: %s", content)
	}
}

func TestFileWriter_WriteAfterClose(t *testing.T) {
	fw, err := NewFileWriter(t.TempDir(), "cli")
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	fw.Close()
	if _, err := fw.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestFileWriter_RotatesAtMidnight(t *testing.T) {
	tmpDir := t.TempDir()

	fw, err := NewFileWriter(tmpDir, "daemon")
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	tomorrow := time.Now().Add(24 * time.Hour)
	fw.now = func() time.Time { return tomorrow }

	if _, err := fw.Write([]byte("line\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	name := "daemon-" + tomorrow.Format(dateLayout) + ".jsonl"
	if _, err := os.Stat(filepath.Join(tmpDir, name)); err != nil {
		t.Fatalf("expected rotated file %s: %v", name, err)
	}
	target, err := os.Readlink(filepath.Join(tmpDir, "daemon.latest"))
	if err != nil {
		t.Fatalf("reading symlink: %v", err)
	}
	if target != name {
		t.Errorf("daemon.latest -> %s, want %s", target, name)
	}
}

func TestCleanup(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.Local)

	old := "daemon-2026-03-01.jsonl"
	oldCLI := "cli-2026-02-28.jsonl"
	recent := "daemon-2026-03-19.jsonl"
	for _, name := range []string{old, oldCLI, recent, "notes.txt", "2026-01-01.jsonl"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	cleanup(tmpDir, 14, now)

	for _, gone := range []string{old, oldCLI} {
		if _, err := os.Stat(filepath.Join(tmpDir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", gone)
		}
	}
	for _, keep := range []string{recent, "notes.txt", "2026-01-01.jsonl"} {
		if _, err := os.Stat(filepath.Join(tmpDir, keep)); err != nil {
			t.Errorf("%s should have been kept: %v", keep, err)
		}
	}
}
