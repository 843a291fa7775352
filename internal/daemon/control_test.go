package daemon

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/corral/internal/pool"
)

type fakeController struct {
	mu          sync.Mutex
	interrupted []string
	killed      []string
	reapErr     error
}

func (c *fakeController) Interrupt(folder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = append(c.interrupted, folder)
	return folder == "family-chat"
}

func (c *fakeController) Kill(ctx context.Context, folder, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, folder+":"+reason)
	return true
}

func (c *fakeController) Entries() []pool.Entry {
	return []pool.Entry{{ContainerID: "abc", GroupFolder: "family-chat"}}
}

func (c *fakeController) ReclaimOrphans(ctx context.Context) (int, error) {
	return 2, c.reapErr
}

func startControl(t *testing.T, ctl Controller) *LockInfo {
	t.Helper()
	dir := t.TempDir()
	srv := NewControlServer(dir, ctl, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &LockInfo{PID: os.Getpid(), ControlDir: dir}
}

func TestControlRequests(t *testing.T) {
	ctl := &fakeController{}
	lock := startControl(t, ctl)
	ctx := context.Background()

	resp, err := SendControl(ctx, lock, ControlRequest{Action: ActionInterrupt, Group: "family-chat"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "interrupted family-chat", resp.Message)

	resp, err = SendControl(ctx, lock, ControlRequest{Action: ActionInterrupt, Group: "work"}, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp.Message, "nothing to interrupt")

	_, err = SendControl(ctx, lock, ControlRequest{Action: ActionKill, Group: "work"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"work:killed from cli"}, ctl.killed)

	resp, err = SendControl(ctx, lock, ControlRequest{Action: ActionList}, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "abc", resp.Entries[0].ContainerID)

	resp, err = SendControl(ctx, lock, ControlRequest{Action: ActionReap}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Reclaimed)
}

func TestControlErrors(t *testing.T) {
	ctl := &fakeController{reapErr: errors.New("engine unreachable")}
	lock := startControl(t, ctl)
	ctx := context.Background()

	_, err := SendControl(ctx, lock, ControlRequest{Action: ActionInterrupt, Group: "../etc"}, 2*time.Second)
	assert.ErrorContains(t, err, "invalid group")

	_, err = SendControl(ctx, lock, ControlRequest{Action: "reboot"}, 2*time.Second)
	assert.ErrorContains(t, err, "unknown action")

	_, err = SendControl(ctx, lock, ControlRequest{Action: ActionReap}, 2*time.Second)
	assert.ErrorContains(t, err, "engine unreachable")
}

func TestSendControlDeadDaemon(t *testing.T) {
	lock := &LockInfo{PID: 4194304, ControlDir: t.TempDir()}
	start := time.Now()
	_, err := SendControl(context.Background(), lock, ControlRequest{Action: ActionList}, 10*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
