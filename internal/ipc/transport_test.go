package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGroupDir(t *testing.T) string {
	t.Helper()
	dir, err := Layout{Root: t.TempDir()}.Ensure("main")
	require.NoError(t, err)
	return dir
}

func fastTransport() *Transport {
	tr := NewTransport(5 * time.Millisecond)
	tr.PeerCheckInterval = 10 * time.Millisecond
	return tr
}

// echoPeer consumes every request in dir and answers it by prefixing its
// payload.
func echoPeer(ctx context.Context, t *testing.T, dir string) {
	t.Helper()
	go func() {
		for ctx.Err() == nil {
			entries, _ := os.ReadDir(filepath.Join(dir, InputDir))
			for _, e := range entries {
				reqID, ok := RequestID(e.Name())
				if !ok {
					continue
				}
				data, err := os.ReadFile(filepath.Join(dir, InputDir, e.Name()))
				if err != nil {
					continue
				}
				_ = os.Remove(filepath.Join(dir, InputDir, e.Name()))
				_ = atomicfile.WriteFile(ResponsePath(dir, reqID), append([]byte("echo:"), data...), 0644)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func requestFiles(t *testing.T, dir string) []string {
	t.Helper()
	var names []string
	for _, sub := range []string{InputDir, OutputDir} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		require.NoError(t, err)
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestRequestSuccess(t *testing.T) {
	dir := newGroupDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	echoPeer(ctx, t, dir)

	got, err := fastTransport().Request(ctx, dir, []byte("hello"), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(got))

	// Give the peer loop a moment to notice there is nothing left.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, requestFiles(t, dir))
}

func TestRequestTimeoutLeavesNoFiles(t *testing.T) {
	dir := newGroupDir(t)

	_, err := fastTransport().Request(context.Background(), dir, []byte("x"), Options{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, requestFiles(t, dir))
}

func TestRequestCanceledLeavesNoFiles(t *testing.T) {
	dir := newGroupDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := fastTransport().Request(ctx, dir, []byte("x"), Options{Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, requestFiles(t, dir))
}

func TestRequestPeerDiedLeavesNoFiles(t *testing.T) {
	dir := newGroupDir(t)
	var checks atomic.Int32
	peer := func(context.Context) bool { return checks.Add(1) < 3 }

	start := time.Now()
	_, err := fastTransport().Request(context.Background(), dir, []byte("x"), Options{Timeout: 10 * time.Second, Peer: peer})
	assert.ErrorIs(t, err, ErrPeerDied)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, requestFiles(t, dir))
}

func TestLateResponseIsNotMisattributed(t *testing.T) {
	dir := newGroupDir(t)
	tr := fastTransport()

	// First call times out; capture the id it used.
	seen := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ctx.Err() == nil {
			entries, _ := os.ReadDir(filepath.Join(dir, InputDir))
			for _, e := range entries {
				if id, ok := RequestID(e.Name()); ok {
					seen <- id
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	_, err := tr.Request(context.Background(), dir, []byte("first"), Options{Timeout: 50 * time.Millisecond})
	cancel()
	require.ErrorIs(t, err, ErrTimeout)
	var firstID string
	select {
	case firstID = <-seen:
	case <-time.After(time.Second):
		t.Fatal("first request was never observed")
	}

	// The sandbox answers the first request after the caller gave up.
	require.NoError(t, os.WriteFile(ResponsePath(dir, firstID), []byte("stale"), 0644))

	peerCtx, peerCancel := context.WithCancel(context.Background())
	defer peerCancel()
	echoPeer(peerCtx, t, dir)

	got, err := tr.Request(context.Background(), dir, []byte("second"), Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "echo:second", string(got))
}

func TestRequestIDParsing(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"req-1700000000000-abcd1234.json", "1700000000000-abcd1234", true},
		{"res-1700000000000-abcd1234.json", "1700000000000-abcd1234", true},
		{".tmp-req-1.json.123", "", false},
		{"req-.json", "", false},
		{"notes.txt", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RequestID(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

func TestPurgeStale(t *testing.T) {
	dir := newGroupDir(t)
	old := RequestPath(dir, "1-old")
	fresh := RequestPath(dir, "2-new")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := PurgeStale(dir, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)

	n, err = PurgeStale(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, fresh)
}
