package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/credential"
	"github.com/majorcontext/corral/internal/id"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/mounts"
)

// MountPlanner prepares a group's host directories.
type MountPlanner interface {
	Plan(g mounts.Group, env map[string]string) (*mounts.Plan, error)
}

// CredentialSource resolves credentials before each launch.
type CredentialSource interface {
	Resolve(ctx context.Context) (credential.Credential, error)
}

type activeRequest struct {
	group  string
	cancel context.CancelCauseFunc
}

// Pool owns the persistent sandboxes. All methods are safe for concurrent
// use.
type Pool struct {
	engine    container.Engine
	planner   MountPlanner
	creds     CredentialSource
	transport *ipc.Transport
	layout    ipc.Layout
	opts      Options
	now       func() time.Time

	mu          sync.Mutex
	entries     map[string]*Entry
	active      map[string]*activeRequest
	recycle     map[string]bool
	escalations map[string]*time.Timer
	closed      bool

	// launchCtx outlives callers of Acquire and is canceled by Shutdown.
	launchCtx    context.Context
	stopLaunches context.CancelFunc
	launching    sync.WaitGroup

	launches singleflight.Group
	rebuilds singleflight.Group
}

// New creates a pool. layout.Root must be the directory the planner mounts
// IPC directories from; it is also how orphaned sandboxes are recognized.
func New(engine container.Engine, planner MountPlanner, creds CredentialSource, transport *ipc.Transport, layout ipc.Layout, opts Options) *Pool {
	if opts.LogTail <= 0 {
		opts.LogTail = 50
	}
	launchCtx, stopLaunches := context.WithCancel(context.Background())
	return &Pool{
		engine:      engine,
		planner:     planner,
		creds:       creds,
		transport:   transport,
		layout:      layout,
		opts:        opts,
		now:         time.Now,
		entries:     make(map[string]*Entry),
		active:      make(map[string]*activeRequest),
		recycle:     make(map[string]bool),
		escalations: make(map[string]*time.Timer),

		launchCtx:    launchCtx,
		stopLaunches: stopLaunches,
	}
}

// Entries returns a snapshot of live sandboxes ordered by group.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupFolder < out[j].GroupFolder })
	return out
}

// Active reports whether folder has a request in flight.
func (p *Pool) Active(folder string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[folder]
	return ok
}

func (p *Pool) lookup(folder string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[folder]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (p *Pool) privileged(folder string) bool {
	return folder == p.opts.PrivilegedFolder
}

// RecycleOnNextUse marks folder's sandbox to be replaced the next time it
// is acquired with no request in flight.
func (p *Pool) RecycleOnNextUse(folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[folder]; ok {
		p.recycle[folder] = true
	}
}

// Acquire returns a ready sandbox for folder, launching one if needed.
// Concurrent callers for the same folder share a single launch. A caller
// that gives up does not abort the launch for the others.
func (p *Pool) Acquire(ctx context.Context, folder string) (Entry, error) {
	if !ipc.ValidFolder(folder) {
		return Entry{}, fmt.Errorf("invalid group folder %q", folder)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Entry{}, ErrClosed
	}
	recycle := p.recycle[folder]
	delete(p.recycle, folder)
	p.mu.Unlock()

	if e, ok := p.lookup(folder); ok {
		switch {
		case recycle:
			p.killContainer(ctx, folder, e.ContainerID, "recycle requested")
		case p.healthy(ctx, e):
			return e, nil
		default:
			p.killContainer(ctx, folder, e.ContainerID, "unhealthy")
		}
	}

	ch := p.launches.DoChan(folder, func() (any, error) {
		if e, ok := p.lookup(folder); ok {
			return e, nil
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Entry{}, ErrClosed
		}
		p.launching.Add(1)
		p.mu.Unlock()
		defer p.launching.Done()

		e, err := p.launch(p.launchCtx, folder)
		if err != nil && p.launchCtx.Err() != nil {
			return Entry{}, fmt.Errorf("%w: launch abandoned", ErrClosed)
		}
		return e, err
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// launch starts a sandbox for folder and waits for its first heartbeat.
func (p *Pool) launch(ctx context.Context, folder string) (Entry, error) {
	logger := log.ForGroup(folder)
	start := p.now()

	if err := p.ensureImage(ctx); err != nil {
		return Entry{}, err
	}
	cred, err := p.creds.Resolve(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("resolving credentials: %w", err)
	}
	plan, err := p.planner.Plan(mounts.Group{Folder: folder, Privileged: p.privileged(folder)}, cred.Env())
	if err != nil {
		return Entry{}, fmt.Errorf("planning mounts: %w", err)
	}
	cleanupIPC(plan.IPCDir)

	cfg := p.runConfig(folder, plan, true)
	logger.Info("launching sandbox", "name", cfg.Name, "credential_mode", cred.Mode, "credential_source", cred.Source)

	cid, err := p.engine.Run(ctx, cfg)
	if errors.Is(err, container.ErrImageNotFound) {
		logger.Warn("sandbox image missing at launch, rebuilding", "image", p.opts.Image)
		if rerr := p.rebuild(ctx); rerr != nil {
			return Entry{}, fmt.Errorf("rebuilding image: %w", rerr)
		}
		cid, err = p.engine.Run(ctx, cfg)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("starting sandbox: %w", err)
	}
	logger = log.ForContainer(folder, cid)

	if err := p.waitReady(ctx, folder, cid, plan.IPCDir); err != nil {
		if ctx.Err() != nil {
			logger.Info("abandoning launch at shutdown")
		} else {
			logger.Error("sandbox failed to become ready", "error", err)
		}
		p.removeContainer(cid)
		cleanupIPC(plan.IPCDir)
		return Entry{}, err
	}

	now := p.now()
	entry := &Entry{
		ContainerID: cid,
		Name:        cfg.Name,
		GroupFolder: folder,
		IPCDir:      plan.IPCDir,
		StartedAt:   now,
		LastUsedAt:  now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.removeContainer(cid)
		cleanupIPC(plan.IPCDir)
		return Entry{}, ErrClosed
	}
	p.entries[folder] = entry
	p.mu.Unlock()

	logger.Info("sandbox ready", "startup", now.Sub(start))
	return *entry, nil
}

func (p *Pool) runConfig(folder string, plan *mounts.Plan, persistent bool) container.RunConfig {
	suffix := id.Short(6)
	name := "corral-" + container.SanitizeName(folder) + "-" + suffix
	mode := "persistent"
	if !persistent {
		name = "corral-" + container.SanitizeName(folder) + "-once-" + suffix
		mode = "oneshot"
	}
	labels := map[string]string{
		container.LabelGroup:   folder,
		container.LabelIPCRoot: p.layout.Root,
	}
	if persistent {
		labels[container.LabelPersistent] = "true"
	}
	privileged := "0"
	if p.privileged(folder) {
		privileged = "1"
	}
	return container.RunConfig{
		Name:  name,
		Image: p.opts.Image,
		Env: []string{
			"TZ=" + p.opts.Timezone,
			"CORRAL_GROUP=" + folder,
			"CORRAL_PRIVILEGED=" + privileged,
			"CORRAL_MODE=" + mode,
			"CORRAL_ENV_FILE=" + mounts.EnvTarget + "/env",
		},
		Labels:     labels,
		Mounts:     plan.Mounts,
		WorkingDir: plan.WorkingDir,
	}
}

// ensureImage builds the image if it is not present.
func (p *Pool) ensureImage(ctx context.Context) error {
	ok, err := p.engine.ImageExists(ctx, p.opts.Image)
	if err != nil {
		return fmt.Errorf("checking image: %w", err)
	}
	if ok {
		return nil
	}
	return p.rebuild(ctx)
}

// rebuild builds the image once no matter how many callers need it.
// Callers arriving after a build finished see the image and skip it.
func (p *Pool) rebuild(ctx context.Context) error {
	_, err, _ := p.rebuilds.Do(p.opts.Image, func() (any, error) {
		if ok, err := p.engine.ImageExists(ctx, p.opts.Image); err == nil && ok {
			return nil, nil
		}
		if p.opts.BuildContext == "" {
			return nil, fmt.Errorf("%w: %s (no build context configured)", container.ErrImageNotFound, p.opts.Image)
		}
		log.Info("building sandbox image", "image", p.opts.Image, "context", p.opts.BuildContext)
		start := p.now()
		if err := p.engine.BuildImage(ctx, p.opts.Image, p.opts.BuildContext); err != nil {
			return nil, err
		}
		log.Info("sandbox image built", "image", p.opts.Image, "duration", p.now().Sub(start))
		return nil, nil
	})
	return err
}

// waitReady polls for a fresh heartbeat until the startup timeout.
func (p *Pool) waitReady(ctx context.Context, folder, cid, ipcDir string) error {
	deadline := time.NewTimer(p.opts.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.opts.HeartbeatPoll)
	defer ticker.Stop()

	for {
		if ipc.Fresh(ipcDir, p.opts.HeartbeatStale, p.now()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &LaunchError{Group: folder, ContainerID: cid, Reason: fmt.Sprintf("did not heartbeat within %s", p.opts.StartupTimeout), Logs: p.tail(cid)}
		case <-ticker.C:
		}

		running, err := p.engine.IsRunning(ctx, cid)
		if err == nil && !running {
			if ipc.Fresh(ipcDir, p.opts.HeartbeatStale, p.now()) {
				continue
			}
			return &LaunchError{Group: folder, ContainerID: cid, Reason: "exited before becoming ready", Logs: p.tail(cid)}
		}
	}
}

func (p *Pool) tail(cid string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := p.engine.Logs(ctx, cid, p.opts.LogTail)
	if err != nil {
		log.Debug("capturing sandbox logs", "container_id", shortID(cid), "error", err)
	}
	return out
}

// healthy reports whether e has a fresh heartbeat and, as far as the
// engine can tell, is running. An engine error is not treated as death.
func (p *Pool) healthy(ctx context.Context, e Entry) bool {
	if !ipc.Fresh(e.IPCDir, p.opts.HeartbeatStale, p.now()) {
		return false
	}
	running, err := p.engine.IsRunning(ctx, e.ContainerID)
	if err != nil {
		log.Debug("engine liveness check failed", "group", e.GroupFolder, "error", err)
		return true
	}
	return running
}

// cleanupIPC removes the files a previous sandbox may have left behind.
func cleanupIPC(dir string) {
	if err := ipc.RemoveHeartbeat(dir); err != nil {
		log.Debug("removing heartbeat", "dir", dir, "error", err)
	}
	if _, err := ipc.PurgeStale(dir, 0); err != nil {
		log.Debug("purging stale requests", "dir", dir, "error", err)
	}
	if err := ipc.RemoveCancel(dir); err != nil {
		log.Debug("removing cancel file", "dir", dir, "error", err)
	}
}

func shortID(cid string) string {
	if len(cid) > 12 {
		return cid[:12]
	}
	return cid
}
