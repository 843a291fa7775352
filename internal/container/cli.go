package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/majorcontext/corral/internal/log"
)

// runner executes bin with args. It exists so tests can substitute the
// engine binary.
type runner func(ctx context.Context, bin string, args []string, stdin io.Reader, stdout, stderr io.Writer) error

func execRunner(ctx context.Context, bin string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// CLIEngine implements Engine by shelling out to the docker or podman CLI.
type CLIEngine struct {
	bin      string
	typ      EngineType
	timeouts Timeouts
	run      runner
}

// NewCLIEngine creates an engine for the docker or podman binary on PATH.
func NewCLIEngine(typ EngineType) (*CLIEngine, error) {
	if typ != EngineDocker && typ != EnginePodman {
		return nil, fmt.Errorf("unsupported CLI engine %q", typ)
	}
	bin, err := exec.LookPath(string(typ))
	if err != nil {
		return nil, fmt.Errorf("%s CLI not found: %w", typ, err)
	}
	return &CLIEngine{
		bin:      bin,
		typ:      typ,
		timeouts: DefaultTimeouts(),
		run:      execRunner,
	}, nil
}

func newCLIEngineWithRunner(typ EngineType, r runner) *CLIEngine {
	return &CLIEngine{bin: string(typ), typ: typ, timeouts: DefaultTimeouts(), run: r}
}

// Type returns the engine type.
func (e *CLIEngine) Type() EngineType { return e.typ }

// Close is a no-op for the CLI engine.
func (e *CLIEngine) Close() error { return nil }

// cmdError carries the stderr of a failed engine invocation.
type cmdError struct {
	op     string
	stderr string
	err    error
}

func (c *cmdError) Error() string {
	msg := strings.TrimSpace(c.stderr)
	if msg == "" {
		return fmt.Sprintf("%s: %v", c.op, c.err)
	}
	return fmt.Sprintf("%s: %v: %s", c.op, c.err, msg)
}

func (c *cmdError) Unwrap() error { return c.err }

// exec runs one engine command with a timeout and returns its stdout.
func (e *CLIEngine) exec(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	if err := e.run(ctx, e.bin, args, nil, &stdout, &stderr); err != nil {
		return stdout.String(), &cmdError{op: e.typ.String() + " " + args[0], stderr: stderr.String(), err: err}
	}
	return stdout.String(), nil
}

// String returns the engine name.
func (t EngineType) String() string { return string(t) }

// Ping verifies the engine daemon is reachable.
func (e *CLIEngine) Ping(ctx context.Context) error {
	if _, err := e.exec(ctx, e.timeouts.Inspect, "info"); err != nil {
		return fmt.Errorf("%s not accessible: %w", e.typ, err)
	}
	return nil
}

// ImageExists reports whether image is present locally.
func (e *CLIEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := e.exec(ctx, e.timeouts.Inspect, "image", "inspect", "--format", "{{.Id}}", image)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", image, err)
}

// BuildImage runs "build -t image contextDir".
func (e *CLIEngine) BuildImage(ctx context.Context, image, contextDir string) error {
	log.Info("building sandbox image", "image", image, "context", contextDir)
	if _, err := e.exec(ctx, e.timeouts.Build, "build", "-t", image, contextDir); err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return nil
}

// Run starts a detached container.
func (e *CLIEngine) Run(ctx context.Context, cfg RunConfig) (string, error) {
	out, err := e.exec(ctx, e.timeouts.Run, runArgs(cfg, true)...)
	if err != nil {
		if isImageMissing(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, cfg.Image)
		}
		return "", fmt.Errorf("starting container %s: %w", cfg.Name, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("starting container %s: engine returned empty ID", cfg.Name)
	}
	return id, nil
}

// IsRunning reports whether the container is running.
func (e *CLIEngine) IsRunning(ctx context.Context, id string) (bool, error) {
	out, err := e.exec(ctx, e.timeouts.Inspect, "inspect", "--format", "{{.State.Running}}", id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

// Kill sends signal to the container.
func (e *CLIEngine) Kill(ctx context.Context, id, signal string) error {
	if signal == "" {
		signal = "SIGKILL"
	}
	_, err := e.exec(ctx, e.timeouts.Kill, "kill", "--signal", signal, id)
	if err != nil && !isNotFound(err) && !isNotRunning(err) {
		return fmt.Errorf("killing container %s: %w", id, err)
	}
	return nil
}

// Remove force-removes the container.
func (e *CLIEngine) Remove(ctx context.Context, id string) error {
	_, err := e.exec(ctx, e.timeouts.Remove, "rm", "-f", id)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// Logs returns the last tail lines of the container's output.
func (e *CLIEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	ctx, cancel := withTimeout(ctx, e.timeouts.Logs)
	defer cancel()

	var combined bytes.Buffer
	args := []string{"logs", "--tail", strconv.Itoa(tail), id}
	if err := e.run(ctx, e.bin, args, nil, &combined, &combined); err != nil {
		return combined.String(), fmt.Errorf("reading logs for %s: %w", id, err)
	}
	return combined.String(), nil
}

// inspectJSON is the subset of "inspect" output corral reads. Docker and
// podman agree on these fields.
type inspectJSON struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
	Mounts []struct {
		Source string `json:"Source"`
	} `json:"Mounts"`
}

// List returns every container created from image.
func (e *CLIEngine) List(ctx context.Context, image string) ([]Info, error) {
	out, err := e.exec(ctx, e.timeouts.List, "ps", "-a", "-q", "--no-trunc", "--filter", "ancestor="+image)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}

	out, err = e.exec(ctx, e.timeouts.List, append([]string{"inspect"}, ids...)...)
	if err != nil {
		// A container can vanish between ps and inspect; inspect still
		// prints the rest.
		if strings.TrimSpace(out) == "" {
			return nil, fmt.Errorf("inspecting containers: %w", err)
		}
		log.Debug("inspect during list reported an error", "error", err)
	}
	return parseInspect([]byte(out))
}

func parseInspect(data []byte) ([]Info, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var raw []inspectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing inspect output: %w", err)
	}
	infos := make([]Info, 0, len(raw))
	for _, r := range raw {
		info := Info{
			ID:      r.ID,
			Name:    strings.TrimPrefix(r.Name, "/"),
			Image:   r.Config.Image,
			Running: r.State.Running,
			Labels:  r.Config.Labels,
		}
		for _, m := range r.Mounts {
			info.MountSources = append(info.MountSources, m.Source)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RunOnce runs a container in the foreground with stdin attached.
func (e *CLIEngine) RunOnce(ctx context.Context, cfg RunConfig, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	args := runArgs(cfg, false)
	var errBuf bytes.Buffer
	err := e.run(ctx, e.bin, args, stdin, stdout, io.MultiWriter(stderr, &errBuf))
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if isImageMissing(&cmdError{stderr: errBuf.String(), err: err}) {
			return -1, fmt.Errorf("%w: %s", ErrImageNotFound, cfg.Image)
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running container %s: %w", cfg.Name, err)
}

// runArgs builds the "run" invocation. Detached runs print the ID; one-shot
// runs keep stdin open and remove the container on exit.
func runArgs(cfg RunConfig, detach bool) []string {
	args := []string{"run"}
	if detach {
		args = append(args, "-d")
	} else {
		args = append(args, "-i", "--rm")
	}
	args = append(args, "--pull=never")
	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}

	keys := make([]string, 0, len(cfg.Labels))
	for k := range cfg.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+cfg.Labels[k])
	}

	for _, m := range cfg.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, env := range cfg.Env {
		args = append(args, "-e", env)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.WorkingDir != "" {
		args = append(args, "-w", cfg.WorkingDir)
	}

	args = append(args, cfg.Image)
	return append(args, cfg.Cmd...)
}

func stderrOf(err error) string {
	var ce *cmdError
	if errors.As(err, &ce) {
		return strings.ToLower(ce.stderr)
	}
	return ""
}

func isNotFound(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "no such") || strings.Contains(s, "not known") ||
		strings.Contains(s, "not found") || strings.Contains(s, "no container with")
}

func isNotRunning(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "is not running") || strings.Contains(s, "not running")
}

func isImageMissing(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "no such image") || strings.Contains(s, "unable to find image") ||
		strings.Contains(s, "image not known") || strings.Contains(s, "pull access denied")
}
