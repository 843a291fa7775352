package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/majorcontext/corral/internal/log"
)

// DockerEngine implements Engine against the Docker Engine API.
type DockerEngine struct {
	cli      *client.Client
	timeouts Timeouts
}

// NewDockerEngine creates an engine from the standard DOCKER_* environment.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerEngine{cli: cli, timeouts: DefaultTimeouts()}, nil
}

// Type returns EngineDockerAPI.
func (e *DockerEngine) Type() EngineType { return EngineDockerAPI }

// Close closes the API client.
func (e *DockerEngine) Close() error { return e.cli.Close() }

// Ping verifies the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, e.timeouts.Inspect)
	defer cancel()
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// ImageExists reports whether image is present locally.
func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.Inspect)
	defer cancel()
	_, err := e.cli.ImageInspect(ctx, image)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", image, err)
}

// BuildImage sends contextDir as the build context and tags the result.
func (e *DockerEngine) BuildImage(ctx context.Context, image, contextDir string) error {
	ctx, cancel := withTimeout(ctx, e.timeouts.Build)
	defer cancel()

	buf, err := tarDir(contextDir)
	if err != nil {
		return fmt.Errorf("%w: packing build context: %w", ErrBuildFailed, err)
	}

	log.Info("building sandbox image", "image", image, "context", contextDir)
	resp, err := e.cli.ImageBuild(ctx, buf, build.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%w: reading build output: %w", ErrBuildFailed, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("%w: %s", ErrBuildFailed, msg.Error)
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			log.Debug("build", "image", image, "output", s)
		}
	}
	return nil
}

// tarDir archives every regular file under dir.
func tarDir(dir string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: int64(info.Mode().Perm()),
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (e *DockerEngine) create(ctx context.Context, cfg RunConfig, interactive bool) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:       cfg.Image,
			Cmd:         cfg.Cmd,
			Env:         cfg.Env,
			Labels:      cfg.Labels,
			User:        cfg.User,
			WorkingDir:  cfg.WorkingDir,
			OpenStdin:   interactive,
			StdinOnce:   interactive,
			AttachStdin: interactive,
		},
		&container.HostConfig{Mounts: mounts},
		nil,
		nil,
		cfg.Name,
	)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, cfg.Image)
		}
		return "", fmt.Errorf("creating container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// Run creates and starts a detached container.
func (e *DockerEngine) Run(ctx context.Context, cfg RunConfig) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.Run)
	defer cancel()

	id, err := e.create(ctx, cfg, false)
	if err != nil {
		return "", err
	}
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		_ = e.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container %s: %w", cfg.Name, err)
	}
	return id, nil
}

// IsRunning reports whether the container is running.
func (e *DockerEngine) IsRunning(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.Inspect)
	defer cancel()
	inspect, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Kill sends signal to the container.
func (e *DockerEngine) Kill(ctx context.Context, id, signal string) error {
	ctx, cancel := withTimeout(ctx, e.timeouts.Kill)
	defer cancel()
	if signal == "" {
		signal = "SIGKILL"
	}
	if err := e.cli.ContainerKill(ctx, id, signal); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

// Remove force-removes the container.
func (e *DockerEngine) Remove(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, e.timeouts.Remove)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// Logs returns the last tail lines of the container's output.
func (e *DockerEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.Logs)
	defer cancel()
	reader, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprint(tail),
	})
	if err != nil {
		return "", fmt.Errorf("reading logs for %s: %w", id, err)
	}
	defer reader.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, reader); err != nil {
		return combined.String(), fmt.Errorf("demuxing logs for %s: %w", id, err)
	}
	return combined.String(), nil
}

// List returns every container created from image.
func (e *DockerEngine) List(ctx context.Context, image string) ([]Info, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.List)
	defer cancel()
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("ancestor", image)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]Info, 0, len(containers))
	for _, c := range containers {
		info := Info{
			ID:      c.ID,
			Image:   c.Image,
			Running: c.State == "running",
			Labels:  c.Labels,
		}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, m := range c.Mounts {
			info.MountSources = append(info.MountSources, m.Source)
		}
		result = append(result, info)
	}
	return result, nil
}

// RunOnce creates a container, streams stdin into it, waits for exit, and
// removes it.
func (e *DockerEngine) RunOnce(ctx context.Context, cfg RunConfig, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	id, err := e.create(ctx, cfg, true)
	if err != nil {
		return -1, err
	}
	defer func() {
		rmCtx, cancel := withTimeout(context.WithoutCancel(ctx), e.timeouts.Remove)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	resp, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("attaching to container %s: %w", cfg.Name, err)
	}
	defer resp.Close()

	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("starting container %s: %w", cfg.Name, err)
	}

	go func() {
		if stdin != nil {
			_, _ = io.Copy(resp.Conn, stdin)
		}
		_ = resp.CloseWrite()
	}()

	outputDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		outputDone <- err
	}()

	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", cfg.Name, err)
	case status := <-statusCh:
		select {
		case <-outputDone:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
		return int(status.StatusCode), nil
	}
}
