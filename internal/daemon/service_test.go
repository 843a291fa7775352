package daemon

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/credential"
)

// idleEngine has no running sandboxes besides the ones listed in infos.
type idleEngine struct {
	mu      sync.Mutex
	infos   []container.Info
	removed []string
}

func (e *idleEngine) Type() container.EngineType                        { return container.EnginePodman }
func (e *idleEngine) Ping(context.Context) error                        { return nil }
func (e *idleEngine) ImageExists(context.Context, string) (bool, error) { return true, nil }
func (e *idleEngine) BuildImage(context.Context, string, string) error  { return nil }
func (e *idleEngine) Run(context.Context, container.RunConfig) (string, error) {
	return "", container.ErrImageNotFound
}
func (e *idleEngine) IsRunning(context.Context, string) (bool, error)   { return false, nil }
func (e *idleEngine) Kill(context.Context, string, string) error        { return nil }
func (e *idleEngine) Logs(context.Context, string, int) (string, error) { return "", nil }
func (e *idleEngine) Close() error                                      { return nil }

func (e *idleEngine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, id)
	return nil
}

func (e *idleEngine) List(context.Context, string) ([]container.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]container.Info(nil), e.infos...), nil
}

func (e *idleEngine) RunOnce(context.Context, container.RunConfig, io.Reader, io.Writer, io.Writer) (int, error) {
	return 0, nil
}

func (e *idleEngine) removedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.removed...)
}

type noCreds struct{}

func (noCreds) Resolve(context.Context) (credential.Credential, error) {
	return credential.Credential{Mode: credential.ModeNone, Source: credential.SourceNone}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Timezone = "UTC"
	cfg.Router.PollInterval = 10 * time.Millisecond
	return cfg
}

func TestServiceRun(t *testing.T) {
	cfg := testConfig(t)
	engine := &idleEngine{infos: []container.Info{
		{ID: "orphan", Labels: map[string]string{container.LabelPersistent: "true"}, MountSources: []string{filepath.Join(cfg.IPCDir(), "main")}},
		{ID: "stranger", Labels: map[string]string{container.LabelPersistent: "true"}, MountSources: []string{"/elsewhere/ipc/main"}},
	}}

	svc, err := New(cfg, engine, Options{Credentials: noCreds{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	var lock *LockInfo
	require.Eventually(t, func() bool {
		lock, _ = Running(cfg.DataDir)
		return lock != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "podman", lock.Engine)
	assert.Equal(t, cfg.ControlDir(), lock.ControlDir)
	assert.Equal(t, []string{"orphan"}, engine.removedIDs())

	resp, err := SendControl(ctx, lock, ControlRequest{Action: ActionList}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Entries)

	_, err = AcquireServeLock(cfg.DataDir)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	got, err := ReadLockFile(cfg.DataDir)
	require.NoError(t, err)
	assert.Nil(t, got, "lock file is removed on shutdown")
}

func TestServiceRejectsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := New(cfg, &idleEngine{}, Options{Credentials: noCreds{}})
	assert.Error(t, err)
}
