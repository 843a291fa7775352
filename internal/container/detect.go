package container

import (
	"context"
	"fmt"
	"time"

	"github.com/majorcontext/corral/internal/log"
)

// NewEngine creates the engine named by engine ("docker", "podman", or
// "docker-api") and verifies it responds. An empty name selects docker.
func NewEngine(ctx context.Context, engine string) (Engine, error) {
	var (
		e   Engine
		err error
	)
	switch EngineType(engine) {
	case "", EngineDocker:
		e, err = NewCLIEngine(EngineDocker)
	case EnginePodman:
		e, err = NewCLIEngine(EnginePodman)
	case EngineDockerAPI:
		e, err = NewDockerEngine()
	default:
		return nil, fmt.Errorf("unknown container engine %q", engine)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.Ping(pingCtx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("no container engine available: %w", err)
	}

	log.Info("using container engine", "engine", e.Type())
	return e, nil
}
