package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
)

// Heartbeat is the record a running sandbox writes periodically.
type Heartbeat struct {
	Timestamp time.Time
}

// UnmarshalJSON accepts a timestamp in unix milliseconds or RFC 3339.
func (h *Heartbeat) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	h.Timestamp = ts
	return nil
}

// MarshalJSON writes the timestamp in unix milliseconds.
func (h Heartbeat) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp int64 `json:"timestamp"`
	}{h.Timestamp.UnixMilli()})
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("heartbeat has no timestamp")
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("heartbeat timestamp: %w", err)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(n), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat timestamp: %w", err)
	}
	return t, nil
}

// HeartbeatPath returns the heartbeat file for a group IPC directory.
func HeartbeatPath(dir string) string {
	return filepath.Join(dir, HeartbeatFile)
}

// ReadHeartbeat returns the time the sandbox last reported in. When the
// file exists but cannot be parsed, its modification time is used.
func ReadHeartbeat(dir string) (time.Time, error) {
	path := HeartbeatPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err == nil && !hb.Timestamp.IsZero() {
		return hb.Timestamp, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// WriteHeartbeat records t as the latest heartbeat. Sandboxes normally
// write this themselves; the host uses it in tests and tooling.
func WriteHeartbeat(dir string, t time.Time) error {
	data, err := json.Marshal(Heartbeat{Timestamp: t})
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(HeartbeatPath(dir), data, 0644)
}

// Fresh reports whether the heartbeat in dir is no older than stale.
func Fresh(dir string, stale time.Duration, now time.Time) bool {
	ts, err := ReadHeartbeat(dir)
	if err != nil {
		return false
	}
	return now.Sub(ts) <= stale
}

// RemoveHeartbeat deletes the heartbeat file, if any.
func RemoveHeartbeat(dir string) error {
	err := os.Remove(HeartbeatPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
