// Package container drives the external container engine that hosts
// sandboxes. Every operation is bounded by a timeout; the engine is never
// assumed to answer instantly.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

// EngineType identifies the container engine being used.
type EngineType string

const (
	EngineDocker    EngineType = "docker"
	EnginePodman    EngineType = "podman"
	EngineDockerAPI EngineType = "docker-api"
)

var (
	// ErrImageNotFound is returned when the requested image is not present locally.
	ErrImageNotFound = errors.New("container image not found")

	// ErrBuildFailed is returned when an image build does not succeed.
	ErrBuildFailed = errors.New("image build failed")
)

// Engine is the subset of a container engine corral relies on.
type Engine interface {
	// Type returns the engine type.
	Type() EngineType

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// ImageExists reports whether image is available locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// BuildImage builds image from the Dockerfile in contextDir.
	BuildImage(ctx context.Context, image, contextDir string) error

	// Run starts a detached container and returns its ID.
	// Returns ErrImageNotFound if the image is missing.
	Run(ctx context.Context, cfg RunConfig) (string, error)

	// IsRunning reports whether the container is running. A container
	// that no longer exists is reported as not running, without error.
	IsRunning(ctx context.Context, id string) (bool, error)

	// Kill sends signal to the container. Missing containers are not an error.
	Kill(ctx context.Context, id, signal string) error

	// Remove force-removes the container. Missing containers are not an error.
	Remove(ctx context.Context, id string) error

	// Logs returns the last tail lines of combined stdout/stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// List returns every container (running or not) created from image.
	List(ctx context.Context, image string) ([]Info, error)

	// RunOnce runs a container to completion with stdin attached, streaming
	// its output to stdout/stderr, and removes it afterwards. A non-zero
	// exit code is returned without error.
	RunOnce(ctx context.Context, cfg RunConfig, stdin io.Reader, stdout, stderr io.Writer) (int, error)

	// Close releases engine resources.
	Close() error
}

// Mount describes a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunConfig holds configuration for starting a container.
type RunConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	Mounts     []Mount
	User       string
	WorkingDir string
}

// Info describes a container as reported by the engine.
type Info struct {
	ID           string
	Name         string
	Image        string
	Running      bool
	Labels       map[string]string
	MountSources []string
}

// Timeouts bounds each class of engine call.
type Timeouts struct {
	Inspect time.Duration
	Run     time.Duration
	Kill    time.Duration
	Remove  time.Duration
	Logs    time.Duration
	List    time.Duration
	Build   time.Duration
}

// DefaultTimeouts returns the per-operation bounds used when none are set.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Inspect: 10 * time.Second,
		Run:     time.Minute,
		Kill:    15 * time.Second,
		Remove:  30 * time.Second,
		Logs:    10 * time.Second,
		List:    30 * time.Second,
		Build:   20 * time.Minute,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
