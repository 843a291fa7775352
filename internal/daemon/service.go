// Package daemon runs corral's long-lived loops: the sandbox pool and its
// sweeper, the mailbox router, credential refresh, and the control surface
// used by the CLI.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/credential"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/mounts"
	"github.com/majorcontext/corral/internal/pool"
	"github.com/majorcontext/corral/internal/router"
	"github.com/majorcontext/corral/internal/store"
)

// Options wires collaborators into a Service. Nil collaborators fall back
// to logging implementations.
type Options struct {
	Messenger router.Messenger
	Browser   router.Browser
	Status    router.StatusIndicator
	Activity  router.ActivitySink

	// Credentials overrides the resolver built from configuration.
	Credentials pool.CredentialSource
}

// Service owns every component of a running daemon.
type Service struct {
	cfg      *config.Config
	engine   container.Engine
	store    *store.Store
	pool     *pool.Pool
	router   *router.Router
	control  *ControlServer
	resolver *credential.Resolver
}

// New assembles a service from cfg. The caller keeps ownership of engine.
func New(cfg *config.Config, engine container.Engine, opts Options) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, engine: engine, store: st}

	creds := opts.Credentials
	if creds == nil {
		s.resolver = credential.NewResolver(cfg)
		creds = s.resolver
	}

	planner := mounts.NewPlanner(cfg)
	transport := ipc.NewTransport(cfg.Container.HeartbeatPoll)
	s.pool = pool.New(engine, planner, creds, transport, planner.Layout(), pool.OptionsFromConfig(cfg))

	messenger := opts.Messenger
	if messenger == nil {
		messenger = router.LogMessenger{}
	}
	status := opts.Status
	if status == nil {
		status = router.LogStatus{}
	}
	s.router = router.New(planner.Layout(), router.Options{
		PrivilegedFolder: cfg.PrivilegedFolder,
		GroupsDir:        cfg.GroupsDir(),
		Location:         loc,
		PollInterval:     cfg.Router.PollInterval,
		StatusInterval:   cfg.Router.StatusInterval,
		HandoffURL:       cfg.Router.HandoffURL,
		Messenger:        messenger,
		Registry:         st,
		Browser:          opts.Browser,
		Activity:         opts.Activity,
		Status:           status,
		OnSkillChanged:   s.pool.RecycleOnNextUse,
	})
	s.control = NewControlServer(cfg.ControlDir(), s.pool, 250*time.Millisecond)
	return s, nil
}

// Pool returns the sandbox pool, for callers that submit work in process.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Store returns the group and task store.
func (s *Service) Store() *store.Store { return s.store }

// Run serves until ctx is done or a loop fails, then shuts down in order:
// the pool stops launching, active requests are interrupted, sandboxes are
// killed, and only then does the router stop.
func (s *Service) Run(ctx context.Context) error {
	unlock, err := AcquireServeLock(s.cfg.DataDir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := WriteLockFile(s.cfg.DataDir, LockInfo{
		PID:        os.Getpid(),
		Engine:     s.engine.Type().String(),
		Image:      s.cfg.Container.Image,
		ControlDir: s.cfg.ControlDir(),
	}); err != nil {
		return fmt.Errorf("writing daemon lock: %w", err)
	}
	defer RemoveLockFile(s.cfg.DataDir)
	defer s.store.Close()

	if n, err := s.pool.ReclaimOrphans(ctx); err != nil {
		log.Warn("orphan sweep failed", "error", err)
	} else if n > 0 {
		log.Info("reclaimed orphaned sandboxes", "count", n)
	}

	// The router outlives the other loops so mailbox output written while
	// sandboxes wind down is still delivered.
	routerCtx, stopRouter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRouter()
	routerDone := make(chan error, 1)
	go func() { routerDone <- s.router.Run(routerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pool.RunSweeper(gctx, s.cfg.Container.SweepInterval) })
	g.Go(func() error { return s.control.Run(gctx) })
	if s.resolver != nil {
		g.Go(func() error { return s.resolver.RunRefresh(gctx, s.cfg.Credentials.RefreshInterval) })
	}

	log.Info("corral daemon started",
		"engine", s.engine.Type().String(),
		"image", s.cfg.Container.Image,
		"data_dir", s.cfg.DataDir)

	<-gctx.Done()
	log.Info("corral daemon stopping")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	s.pool.Shutdown(shutdownCtx)

	loopErr := g.Wait()
	stopRouter()
	if err := <-routerDone; err != nil && loopErr == nil {
		loopErr = err
	}
	return loopErr
}
