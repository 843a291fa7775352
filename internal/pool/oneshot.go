package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/log"
	"github.com/majorcontext/corral/internal/mounts"
)

// Markers framing the result a one-shot sandbox prints on stdout.
const (
	OutputStartMarker = "---CORRAL_OUTPUT_START---"
	OutputEndMarker   = "---CORRAL_OUTPUT_END---"
)

// runOnce runs in on a throwaway sandbox that exits when done.
func (p *Pool) runOnce(ctx context.Context, in Input, timeout time.Duration) Output {
	folder := in.GroupFolder
	logger := log.ForGroup(folder).With("mode", "oneshot")

	cred, err := p.creds.Resolve(ctx)
	if err != nil {
		return errorOutput("resolving credentials: %v", err)
	}
	plan, err := p.planner.Plan(mounts.Group{Folder: folder, Privileged: p.privileged(folder)}, cred.Env())
	if err != nil {
		return errorOutput("planning mounts: %v", err)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return errorOutput("encoding request: %v", err)
	}

	cfg := p.runConfig(folder, plan, false)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := container.NewCappedBuffer(p.opts.MaxOutputBytes)
	stderr := container.NewCappedBuffer(p.opts.MaxOutputBytes)
	logger.Info("running one-shot sandbox", "name", cfg.Name)
	start := p.now()
	code, err := p.engine.RunOnce(runCtx, cfg, bytes.NewReader(payload), stdout, stderr)

	if runCtx.Err() != nil {
		p.stopOneShot(cfg.Name)
		if ctx.Err() != nil {
			logger.Info("one-shot interrupted")
			return Output{Status: StatusInterrupted}
		}
		logger.Warn("one-shot timed out", "timeout", timeout)
		return errorOutput("request timed out after %s", timeout)
	}
	if err != nil {
		if errors.Is(err, container.ErrImageNotFound) {
			return errorOutput("sandbox image %s is not available", p.opts.Image)
		}
		return errorOutput("running one-shot sandbox: %v", err)
	}

	if stdout.Truncated() || stderr.Truncated() {
		logger.Warn("one-shot output truncated", "limit", p.opts.MaxOutputBytes)
	}
	logger.Debug("one-shot finished", "exit_code", code, "duration", p.now().Sub(start))

	out, perr := ParseFramedOutput(stdout.String())
	if perr != nil {
		msg := fmt.Sprintf("sandbox exited with code %d: %v", code, perr)
		if s := lastLines(stderr.String(), 20); s != "" {
			msg += "\n" + s
		}
		return Output{Status: StatusError, Error: msg}
	}
	if code != 0 && out.Status == StatusSuccess {
		logger.Warn("one-shot reported success with non-zero exit", "exit_code", code)
	}
	return out
}

// stopOneShot kills a one-shot sandbox by name. Canceling the engine client
// alone does not stop a container that is already running.
func (p *Pool) stopOneShot(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.engine.Kill(ctx, name, "SIGKILL"); err != nil {
		log.Debug("killing one-shot sandbox", "name", name, "error", err)
	}
	if err := p.engine.Remove(ctx, name); err != nil {
		log.Debug("removing one-shot sandbox", "name", name, "error", err)
	}
}

// ParseFramedOutput extracts the JSON Output between the last pair of
// output markers in stdout.
func ParseFramedOutput(stdout string) (Output, error) {
	start := strings.LastIndex(stdout, OutputStartMarker)
	if start < 0 {
		return Output{}, errors.New("no output marker in sandbox stdout")
	}
	body := stdout[start+len(OutputStartMarker):]
	end := strings.Index(body, OutputEndMarker)
	if end < 0 {
		return Output{}, errors.New("unterminated output block (output may have been truncated)")
	}

	var out Output
	if err := json.Unmarshal([]byte(strings.TrimSpace(body[:end])), &out); err != nil {
		return Output{}, fmt.Errorf("parsing sandbox output: %w", err)
	}
	if out.Status == "" {
		out.Status = StatusSuccess
	}
	return out, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
