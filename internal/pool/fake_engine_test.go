package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/mounts"
)

// behavior scripts what a fake sandbox does.
type behavior struct {
	noHeartbeat     bool
	exitImmediately bool
	ignoreCancel    bool
	crashOnRequest  bool
	delay           time.Duration
	respond         func(in Input) Output
}

// fakeEngine implements container.Engine with in-process sandboxes that
// speak the IPC protocol.
type fakeEngine struct {
	mu           sync.Mutex
	imagePresent bool
	buildDelay   time.Duration
	buildErr     error
	builds       int
	runs         int
	nextID       int
	sandboxes    map[string]*fakeSandbox
	extra        []container.Info
	removed      []string
	behavior     behavior
	oneShot      func(cfg container.RunConfig, stdin []byte, stdout io.Writer) int
	oneShotRuns  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		imagePresent: true,
		sandboxes:    make(map[string]*fakeSandbox),
		behavior: behavior{
			respond: func(Input) Output { return okOutput("ok") },
		},
	}
}

func okOutput(result string) Output {
	return Output{Status: StatusSuccess, Result: &result}
}

type fakeSandbox struct {
	id      string
	cfg     container.RunConfig
	ipcDir  string
	b       behavior
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *fakeSandbox) halt() {
	s.once.Do(func() {
		s.running.Store(false)
		close(s.stop)
	})
}

type pending struct {
	id  string
	due time.Time
	out Output
}

// stopAndWait halts the sandbox and waits for its loop to stop touching
// the IPC directory.
func (s *fakeSandbox) stopAndWait() {
	s.halt()
	<-s.done
}

func (s *fakeSandbox) loop() {
	defer close(s.done)
	ticker := time.NewTicker(3 * time.Millisecond)
	defer ticker.Stop()
	var queue []pending
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		if !s.b.noHeartbeat {
			_ = ipc.WriteHeartbeat(s.ipcDir, now)
		}
		if ipc.CancelPending(s.ipcDir) && !s.b.ignoreCancel {
			queue = nil
			_ = ipc.RemoveCancel(s.ipcDir)
		}

		entries, _ := os.ReadDir(filepath.Join(s.ipcDir, ipc.InputDir))
		for _, e := range entries {
			reqID, ok := ipc.RequestID(e.Name())
			if !ok {
				continue
			}
			path := filepath.Join(s.ipcDir, ipc.InputDir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			_ = os.Remove(path)
			if s.b.crashOnRequest {
				s.halt()
				return
			}
			var in Input
			_ = json.Unmarshal(data, &in)
			queue = append(queue, pending{id: reqID, due: now.Add(s.b.delay), out: s.b.respond(in)})
		}

		remaining := queue[:0]
		for _, p := range queue {
			if now.Before(p.due) {
				remaining = append(remaining, p)
				continue
			}
			data, _ := json.Marshal(p.out)
			_ = atomicfile.WriteFile(ipc.ResponsePath(s.ipcDir, p.id), data, 0644)
		}
		queue = remaining
	}
}

func (f *fakeEngine) Type() container.EngineType     { return container.EngineDocker }
func (f *fakeEngine) Ping(ctx context.Context) error { return nil }
func (f *fakeEngine) Close() error                   { return nil }

func (f *fakeEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imagePresent, nil
}

func (f *fakeEngine) BuildImage(ctx context.Context, image, contextDir string) error {
	time.Sleep(f.buildDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.buildErr != nil {
		return f.buildErr
	}
	f.imagePresent = true
	return nil
}

func (f *fakeEngine) Run(ctx context.Context, cfg container.RunConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.imagePresent {
		return "", fmt.Errorf("%w: %s", container.ErrImageNotFound, cfg.Image)
	}
	f.runs++
	f.nextID++
	s := &fakeSandbox{
		id:   fmt.Sprintf("%064x", f.nextID),
		cfg:  cfg,
		b:    f.behavior,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, m := range cfg.Mounts {
		if m.Target == mounts.IPCTarget {
			s.ipcDir = m.Source
		}
	}
	f.sandboxes[s.id] = s
	if s.b.exitImmediately {
		s.once.Do(func() { close(s.stop) })
		close(s.done)
		return s.id, nil
	}
	s.running.Store(true)
	go s.loop()
	return s.id, nil
}

func (f *fakeEngine) sandbox(id string) *fakeSandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sandboxes[id]; ok {
		return s
	}
	for _, s := range f.sandboxes {
		if s.cfg.Name == id {
			return s
		}
	}
	return nil
}

func (f *fakeEngine) IsRunning(ctx context.Context, id string) (bool, error) {
	s := f.sandbox(id)
	if s == nil {
		return false, nil
	}
	return s.running.Load(), nil
}

func (f *fakeEngine) Kill(ctx context.Context, id, signal string) error {
	if s := f.sandbox(id); s != nil {
		s.stopAndWait()
	}
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sandboxes[id]; ok {
		s.stopAndWait()
		delete(f.sandboxes, id)
	}
	kept := f.extra[:0]
	for _, info := range f.extra {
		if info.ID != id {
			kept = append(kept, info)
		}
	}
	f.extra = kept
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "agent: fatal: cannot reach provider\n", nil
}

func (f *fakeEngine) List(ctx context.Context, image string) ([]container.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Info
	for _, s := range f.sandboxes {
		info := container.Info{ID: s.id, Name: s.cfg.Name, Image: s.cfg.Image, Running: s.running.Load(), Labels: s.cfg.Labels}
		for _, m := range s.cfg.Mounts {
			info.MountSources = append(info.MountSources, m.Source)
		}
		out = append(out, info)
	}
	return append(out, f.extra...), nil
}

func (f *fakeEngine) RunOnce(ctx context.Context, cfg container.RunConfig, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	data, _ := io.ReadAll(stdin)
	f.mu.Lock()
	f.oneShotRuns++
	fn := f.oneShot
	f.mu.Unlock()
	if fn != nil {
		return fn(cfg, data, stdout), nil
	}
	out, _ := json.Marshal(okOutput("oneshot"))
	fmt.Fprintf(stdout, "booting\n%s\n%s\n%s\n", OutputStartMarker, out, OutputEndMarker)
	return 0, nil
}

func (f *fakeEngine) counts() (runs, builds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.builds
}

func (f *fakeEngine) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sandboxes {
		if s.running.Load() {
			n++
		}
	}
	return n
}
