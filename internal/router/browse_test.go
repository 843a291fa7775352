package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/corral/internal/ipc"
)

type fakeBrowser struct {
	mu    sync.Mutex
	calls []BrowseRequest
	fail  bool
}

func (b *fakeBrowser) Browse(ctx context.Context, folder string, req BrowseRequest) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	if b.fail {
		return nil, errors.New("page crashed")
	}
	return json.RawMessage(`{"title":"Example"}`), nil
}

type recordingActivity struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingActivity) Start(folder, action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, "start:"+action)
}

func (a *recordingActivity) End(folder, action string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, "end:"+action)
}

func (a *recordingActivity) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func readBrowseResponse(t *testing.T, h *harness, folder, id string) BrowseResponse {
	t.Helper()
	dir, err := h.layout.GroupDir(folder)
	require.NoError(t, err)
	path := filepath.Join(dir, ipc.BrowseDir, "res-"+id+".json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var resp BrowseResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestBrowseRequest(t *testing.T) {
	b := &fakeBrowser{}
	act := &recordingActivity{}
	h := newHarness(t, func(o *Options) {
		o.Browser = b
		o.Activity = act
	})

	req := h.drop(t, "work", ipc.BrowseDir, "req-abc.json", map[string]any{"action": "navigate", "url": "https://example.com"})
	h.router.ScanOnce(context.Background())
	assert.NoFileExists(t, req)

	resp := readBrowseResponse(t, h, "work", "abc")
	assert.Equal(t, "success", resp.Status)
	assert.JSONEq(t, `{"title":"Example"}`, string(resp.Result))
	h.router.inflight.Wait()
	assert.Equal(t, []string{"start:navigate", "end:navigate"}, act.all())
	assert.Empty(t, h.messenger.all())
}

func TestBrowseWaitForUserSendsHandoff(t *testing.T) {
	b := &fakeBrowser{}
	act := &recordingActivity{}
	h := newHarness(t, func(o *Options) {
		o.Browser = b
		o.Activity = act
		o.HandoffURL = "https://corral.example/browse/{group}/{id}"
	})

	h.drop(t, "family-chat", ipc.BrowseDir, "req-login.json", map[string]any{"action": ActionWaitForUser})
	h.router.ScanOnce(context.Background())

	resp := readBrowseResponse(t, h, "family-chat", "login")
	assert.Equal(t, "success", resp.Status)
	h.router.inflight.Wait()

	sent := h.messenger.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "123@g.us", sent[0].chat)
	assert.Contains(t, sent[0].body, "https://corral.example/browse/family-chat/login")
	assert.Empty(t, act.all(), "wait_for_user is not counted as routine activity")
}

func TestBrowseFailureWritesErrorResponse(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Browser = &fakeBrowser{fail: true} })
	h.drop(t, "work", ipc.BrowseDir, "req-x.json", map[string]any{"action": "click"})
	h.router.ScanOnce(context.Background())

	resp := readBrowseResponse(t, h, "work", "x")
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "page crashed", resp.Error)
}

func TestBrowseWithoutBrowser(t *testing.T) {
	h := newHarness(t, nil)
	h.drop(t, "work", ipc.BrowseDir, "req-y.json", map[string]any{"action": "click"})
	h.router.ScanOnce(context.Background())

	resp := readBrowseResponse(t, h, "work", "y")
	assert.Equal(t, "error", resp.Status)
}

func TestBrowseMalformedRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.drop(t, "work", ipc.BrowseDir, "req-z.json", map[string]any{"url": "https://example.com"})
	h.router.ScanOnce(context.Background())
	assert.Equal(t, []string{"work-req-z.json"}, h.errorFiles(t))
}

type recordingStatus struct {
	mu      sync.Mutex
	updates []string
}

func (s *recordingStatus) Update(ctx context.Context, folder string, ev StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, folder+":"+ev.Text)
	return nil
}

func TestStatusEventsBatchedAndRateLimited(t *testing.T) {
	st := &recordingStatus{}
	h := newHarness(t, func(o *Options) {
		o.Status = st
		o.StatusInterval = time.Minute
	})
	ctx := context.Background()

	h.drop(t, "work", ipc.StatusDir, "evt-1.json", StatusEvent{Text: "reading files"})
	h.drop(t, "work", ipc.StatusDir, "evt-2.json", StatusEvent{Text: "running tests"})
	h.router.ScanOnce(ctx)
	assert.Equal(t, []string{"work:running tests"}, st.updates, "only the newest event in a batch is shown")

	h.drop(t, "work", ipc.StatusDir, "evt-3.json", StatusEvent{Text: "writing summary"})
	h.router.ScanOnce(ctx)
	assert.Len(t, st.updates, 1, "second update inside the interval is suppressed")

	h.drop(t, "family-chat", ipc.StatusDir, "evt-1.json", StatusEvent{Text: "thinking"})
	h.router.ScanOnce(ctx)
	assert.Equal(t, []string{"work:running tests", "family-chat:thinking"}, st.updates, "limits are per group")

	dir, _ := h.layout.GroupDir("work")
	entries, err := os.ReadDir(filepath.Join(dir, ipc.StatusDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
