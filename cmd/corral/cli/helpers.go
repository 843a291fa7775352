package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/credential"
	"github.com/majorcontext/corral/internal/daemon"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/mounts"
	"github.com/majorcontext/corral/internal/pool"
)

const controlTimeout = 30 * time.Second

// localPool builds a pool owned by this process. Callers must hold the
// serve lock so it never competes with a daemon.
func localPool(ctx context.Context) (*pool.Pool, container.Engine, error) {
	engine, err := container.NewEngine(ctx, cfg.Container.Engine)
	if err != nil {
		return nil, nil, err
	}
	planner := mounts.NewPlanner(cfg)
	p := pool.New(engine, planner, credential.NewResolver(cfg),
		ipc.NewTransport(cfg.Container.HeartbeatPoll), planner.Layout(), pool.OptionsFromConfig(cfg))
	return p, engine, nil
}

// withDaemon calls fn with the running daemon's lock, or returns
// (false, nil) when no daemon is running.
func withDaemon(fn func(lock *daemon.LockInfo) error) (bool, error) {
	lock, err := daemon.Running(cfg.DataDir)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	return true, fn(lock)
}

func control(ctx context.Context, lock *daemon.LockInfo, req daemon.ControlRequest) (daemon.ControlResponse, error) {
	return daemon.SendControl(ctx, lock, req, controlTimeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
