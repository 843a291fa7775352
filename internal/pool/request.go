package pool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
)

// Run executes in on the group's sandbox and returns its result. Failures
// are reported in the Output, never as a Go error, so callers handle the
// persistent and one-shot paths identically. Nothing is retried.
func (p *Pool) Run(ctx context.Context, in Input) Output {
	folder := in.GroupFolder
	if !ipc.ValidFolder(folder) {
		return errorOutput("invalid group folder %q", folder)
	}
	logger := log.ForGroup(folder)

	timeout := p.opts.RequestTimeout
	if in.TimeoutOverride > 0 {
		timeout = in.TimeoutOverride
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := p.beginRequest(folder, cancel); err != nil {
		return errorOutput("%v", err)
	}
	defer p.endRequest(folder)

	if p.opts.OneShot {
		return p.runOnce(reqCtx, in, timeout)
	}

	entry, err := p.Acquire(reqCtx, folder)
	if err != nil {
		if reqCtx.Err() != nil {
			return Output{Status: StatusInterrupted}
		}
		if errors.Is(err, ErrClosed) {
			return errorOutput("%v", err)
		}
		logger.Warn("persistent sandbox unavailable, falling back to one-shot", "error", err)
		return p.runOnce(reqCtx, in, timeout)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return errorOutput("encoding request: %v", err)
	}

	data, err := p.transport.Request(reqCtx, entry.IPCDir, payload, ipc.Options{
		Timeout: timeout,
		Peer:    p.peerCheck(entry),
	})
	switch {
	case err == nil:
	case errors.Is(err, ipc.ErrCanceled):
		logger.Info("request interrupted", "cause", context.Cause(reqCtx))
		return Output{Status: StatusInterrupted}
	case errors.Is(err, ipc.ErrPeerDied):
		logger.Warn("sandbox died during request")
		p.killContainer(context.WithoutCancel(ctx), folder, entry.ContainerID, "peer died")
		return errorOutput("sandbox exited while handling the request")
	case errors.Is(err, ipc.ErrTimeout):
		logger.Warn("request timed out", "timeout", timeout)
		return errorOutput("request timed out after %s", timeout)
	default:
		return errorOutput("request failed: %v", err)
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		logger.Error("malformed sandbox response", "error", err)
		return errorOutput("malformed response from sandbox: %v", err)
	}
	if out.Status == "" {
		out.Status = StatusSuccess
	}
	p.touch(folder, entry.ContainerID)
	return out
}

func (p *Pool) beginRequest(folder string, cancel context.CancelCauseFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.active[folder]; ok {
		return ErrBusy
	}
	p.active[folder] = &activeRequest{group: folder, cancel: cancel}
	return nil
}

func (p *Pool) endRequest(folder string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, folder)
}

func (p *Pool) touch(folder, cid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[folder]; ok && e.ContainerID == cid {
		e.LastUsedAt = p.now()
	}
}

func (p *Pool) peerCheck(e Entry) ipc.PeerFunc {
	return func(ctx context.Context) bool {
		return p.healthy(ctx, e)
	}
}

// Interrupt asks folder's sandbox to stop its current request and aborts
// the caller waiting on it. If the sandbox has not acknowledged the cancel
// file within the grace period it is killed. An idle sandbox is left alone.
// Reports whether there was a request to interrupt.
func (p *Pool) Interrupt(folder string) bool {
	p.mu.Lock()
	entry, hasEntry := p.entries[folder]
	var e Entry
	if hasEntry {
		e = *entry
	}
	ar := p.active[folder]
	p.mu.Unlock()

	logger := log.ForGroup(folder)
	if ar == nil {
		if hasEntry {
			logger.Debug("interrupt ignored, sandbox is idle")
		}
		return false
	}
	logger.Info("interrupting group", "persistent", hasEntry)

	if hasEntry {
		if err := ipc.WriteCancel(e.IPCDir, "interrupt", p.now()); err != nil {
			logger.Warn("writing cancel file", "error", err)
		}
	}
	ar.cancel(ErrInterrupted)
	if hasEntry {
		p.scheduleEscalation(e)
	}
	return true
}

func (p *Pool) scheduleEscalation(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if t, ok := p.escalations[e.GroupFolder]; ok {
		t.Stop()
	}
	p.escalations[e.GroupFolder] = time.AfterFunc(p.opts.InterruptGrace, func() {
		p.mu.Lock()
		delete(p.escalations, e.GroupFolder)
		p.mu.Unlock()

		if !ipc.CancelPending(e.IPCDir) {
			return
		}
		log.ForGroup(e.GroupFolder).Warn("sandbox ignored interrupt, killing", "grace", p.opts.InterruptGrace)
		p.killContainer(context.Background(), e.GroupFolder, e.ContainerID, "interrupt escalation")
	})
}

// Kill terminates folder's sandbox, if any.
func (p *Pool) Kill(ctx context.Context, folder, reason string) bool {
	e, ok := p.lookup(folder)
	if !ok {
		return false
	}
	p.killContainer(ctx, folder, e.ContainerID, reason)
	return true
}

// killContainer force-stops cid and, if it is still folder's current entry,
// drops the entry and clears its IPC files. A newer sandbox for the same
// folder is left untouched.
func (p *Pool) killContainer(ctx context.Context, folder, cid, reason string) {
	p.mu.Lock()
	dir := p.detachLocked(folder, cid)
	p.mu.Unlock()
	p.destroy(ctx, folder, cid, dir, reason)
}

// detachLocked removes folder's entry if it is cid and returns its IPC
// directory, or "" if the entry is gone or newer. p.mu must be held.
func (p *Pool) detachLocked(folder, cid string) string {
	e, ok := p.entries[folder]
	if !ok || e.ContainerID != cid {
		return ""
	}
	delete(p.entries, folder)
	return e.IPCDir
}

func (p *Pool) destroy(ctx context.Context, folder, cid, dir, reason string) {
	logger := log.ForContainer(folder, cid)
	logger.Info("killing sandbox", "reason", reason)
	ctx = context.WithoutCancel(ctx)
	if err := p.engine.Kill(ctx, cid, "SIGKILL"); err != nil {
		logger.Warn("killing sandbox", "error", err)
	}
	p.removeContainer(cid)
	if dir != "" {
		cleanupIPC(dir)
	}
}

func (p *Pool) removeContainer(cid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.engine.Remove(ctx, cid); err != nil {
		log.Warn("removing sandbox", "container_id", shortID(cid), "error", err)
	}
}

// Shutdown stops accepting work, interrupts in-flight requests, abandons
// launches that have not become ready, and kills every tracked sandbox. It
// returns once abandoned launches have removed their containers or ctx is
// done.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	actives := make([]*activeRequest, 0, len(p.active))
	for _, ar := range p.active {
		actives = append(actives, ar)
	}
	entries := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, *e)
	}
	for folder, t := range p.escalations {
		t.Stop()
		delete(p.escalations, folder)
	}
	p.mu.Unlock()

	for _, ar := range actives {
		ar.cancel(ErrClosed)
	}
	p.stopLaunches()
	for _, e := range entries {
		p.killContainer(ctx, e.GroupFolder, e.ContainerID, "shutdown")
	}

	launched := make(chan struct{})
	go func() {
		p.launching.Wait()
		close(launched)
	}()
	select {
	case <-launched:
	case <-ctx.Done():
		log.Warn("pool shutdown gave up waiting for launches", "error", ctx.Err())
	}
	log.Info("pool shut down", "interrupted", len(actives), "killed", len(entries))
}
