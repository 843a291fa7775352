package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWarnf(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)
	SetColorEnabled(false)

	Warnf("sandbox %s is %s", "family-chat", "slow")

	want := "Warning: sandbox family-chat is slow\n"
	if got := buf.String(); got != want {
		t.Errorf("Warnf output = %q, want %q", got, want)
	}
}

func TestErrorfColoredPrefix(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)
	SetColorEnabled(true)
	defer SetColorEnabled(false)

	Errorf("daemon not running")

	want := "\033[31mError:\033[0m daemon not running\n"
	if got := buf.String(); got != want {
		t.Errorf("Errorf output = %q, want %q", got, want)
	}
}

func TestOutcome(t *testing.T) {
	SetColorEnabled(true)
	defer SetColorEnabled(false)

	tests := map[string]string{
		"success":     "\033[32msuccess\033[0m",
		"interrupted": "\033[33minterrupted\033[0m",
		"error":       "\033[31merror\033[0m",
	}
	for status, want := range tests {
		if got := Outcome(status); got != want {
			t.Errorf("Outcome(%q) = %q, want %q", status, got, want)
		}
	}

	SetColorEnabled(false)
	if got := Outcome("success"); got != "success" {
		t.Errorf("Outcome without color = %q", got)
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-5 * time.Second), "5s ago"},
		{now.Add(-3 * time.Minute), "3m ago"},
		{now.Add(-5 * time.Hour), "5h ago"},
		{now.Add(-72 * time.Hour), "3d ago"},
	}
	for _, tt := range tests {
		if got := Ago(tt.t, now); got != tt.want {
			t.Errorf("Ago(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestTable(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	err := Table(&buf, []string{"GROUP", "CONTAINER"}, [][]string{
		{"family-chat", "abc123"},
		{"main", "def456"},
	})
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "GROUP        CONTAINER" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[2] != "main         def456" {
		t.Errorf("row = %q", lines[2])
	}
}
