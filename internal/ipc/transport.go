package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/id"
	"github.com/majorcontext/corral/internal/log"
)

var (
	// ErrTimeout is returned when no response arrives within the timeout.
	ErrTimeout = errors.New("ipc: request timed out")

	// ErrPeerDied is returned when the addressed sandbox stops while a
	// request is outstanding.
	ErrPeerDied = errors.New("ipc: peer is no longer running")

	// ErrCanceled is returned when the caller's context is canceled.
	ErrCanceled = errors.New("ipc: request canceled")
)

const (
	requestPrefix  = "req-"
	responsePrefix = "res-"
	jsonSuffix     = ".json"
)

// PeerFunc reports whether the peer serving a directory is still alive.
type PeerFunc func(ctx context.Context) bool

// Options controls a single request.
type Options struct {
	// Timeout bounds the wait for a response. Zero means wait until the
	// context is done.
	Timeout time.Duration

	// Peer, when set, is consulted every PeerCheckInterval.
	Peer PeerFunc
}

// Transport exchanges request and response files with a sandbox.
type Transport struct {
	// PollInterval is how often the response directory is checked.
	PollInterval time.Duration

	// PeerCheckInterval is how often Options.Peer is consulted.
	PeerCheckInterval time.Duration

	now func() time.Time
}

// NewTransport returns a transport with the given poll interval.
func NewTransport(poll time.Duration) *Transport {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Transport{
		PollInterval:      poll,
		PeerCheckInterval: 2 * time.Second,
		now:               time.Now,
	}
}

func (t *Transport) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

// RequestPath returns where a request with reqID is published under dir.
func RequestPath(dir, reqID string) string {
	return filepath.Join(dir, InputDir, requestPrefix+reqID+jsonSuffix)
}

// ResponsePath returns where the response to reqID is expected under dir.
func ResponsePath(dir, reqID string) string {
	return filepath.Join(dir, OutputDir, responsePrefix+reqID+jsonSuffix)
}

// RequestID extracts the id from a request or response file name. It
// returns false for anything else, including in-progress temp files.
func RequestID(name string) (string, bool) {
	if atomicfile.IsTemp(name) || !strings.HasSuffix(name, jsonSuffix) {
		return "", false
	}
	base := strings.TrimSuffix(name, jsonSuffix)
	for _, p := range []string{requestPrefix, responsePrefix} {
		if strings.HasPrefix(base, p) && len(base) > len(p) {
			return base[len(p):], true
		}
	}
	return "", false
}

// Request publishes payload into dir's input directory and waits for the
// matching response. The request file never outlives the call: it is
// removed on success, timeout, cancellation, and peer death.
func (t *Transport) Request(ctx context.Context, dir string, payload []byte, opts Options) ([]byte, error) {
	reqID := id.Request(t.clock())
	reqPath := RequestPath(dir, reqID)
	resPath := ResponsePath(dir, reqID)
	logger := log.With("request_id", reqID, "dir", dir)

	if err := atomicfile.WriteFile(reqPath, payload, 0644); err != nil {
		return nil, fmt.Errorf("publishing request: %w", err)
	}
	logger.Debug("request published")

	abandon := func(reason string) {
		if err := os.Remove(reqPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing abandoned request", "error", err)
		}
		logger.Debug("request abandoned", "reason", reason)
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := t.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastPeerCheck := t.clock()
	for {
		if data, ok, err := readResponse(resPath); err != nil {
			abandon("read error")
			return nil, err
		} else if ok {
			_ = os.Remove(reqPath)
			logger.Debug("response received", "bytes", len(data))
			return data, nil
		}

		select {
		case <-ctx.Done():
			abandon("canceled")
			return nil, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
		case <-deadline:
			abandon("timeout")
			return nil, ErrTimeout
		case <-ticker.C:
		}

		if opts.Peer != nil && t.clock().Sub(lastPeerCheck) >= t.PeerCheckInterval {
			lastPeerCheck = t.clock()
			if !opts.Peer(ctx) {
				// One last look: the peer may have answered just before exiting.
				if data, ok, _ := readResponse(resPath); ok {
					_ = os.Remove(reqPath)
					return data, nil
				}
				abandon("peer died")
				return nil, ErrPeerDied
			}
		}
	}
}

// readResponse reads and deletes the response at path if it exists.
func readResponse(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading response: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("removing consumed response", "path", path, "error", err)
	}
	return data, true, nil
}

// PurgeStale removes request and response files in dir older than
// olderThan. A zero olderThan removes all of them. It returns the number of
// files removed.
func PurgeStale(dir string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, sub := range []string{InputDir, OutputDir} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("reading %s: %w", sub, err)
		}
		for _, e := range entries {
			name := e.Name()
			if _, ok := RequestID(name); !ok && !atomicfile.IsTemp(name) {
				continue
			}
			if olderThan > 0 {
				info, err := e.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
			}
			if err := os.Remove(filepath.Join(dir, sub, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
