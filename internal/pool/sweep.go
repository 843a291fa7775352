package pool

import (
	"context"
	"time"

	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
)

// staleCancelAge is how long an unacknowledged cancel file may linger in a
// group with no sandbox before the sweep removes it.
const staleCancelAge = 5 * time.Minute

// Sweep kills idle and unhealthy sandboxes and purges stale cancel files.
// Groups with a request in flight are left alone.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.now()
	for _, e := range p.Entries() {
		if dir, idle := p.detachIdle(e, now); idle {
			p.destroy(ctx, e.GroupFolder, e.ContainerID, dir, "idle")
			continue
		}
		if p.Active(e.GroupFolder) || p.healthy(ctx, e) {
			continue
		}
		p.mu.Lock()
		_, busy := p.active[e.GroupFolder]
		dir := ""
		if !busy {
			dir = p.detachLocked(e.GroupFolder, e.ContainerID)
		}
		p.mu.Unlock()
		if dir != "" {
			p.destroy(ctx, e.GroupFolder, e.ContainerID, dir, "unhealthy")
		}
	}

	groups, err := p.layout.Groups()
	if err != nil {
		log.Debug("listing ipc groups", "error", err)
		return
	}
	for _, folder := range groups {
		if _, live := p.lookup(folder); live {
			continue
		}
		dir, err := p.layout.GroupDir(folder)
		if err != nil {
			continue
		}
		if ipc.PurgeStaleCancel(dir, staleCancelAge, now) {
			log.Debug("purged stale cancel file", "group", folder)
		}
	}
}

// detachIdle removes e from the pool if it is still current, has no request
// in flight, and has been unused longer than the idle timeout. The checks
// and removal happen under one lock so a request cannot start in between.
func (p *Pool) detachIdle(e Entry, now time.Time) (string, bool) {
	if p.opts.IdleTimeout <= 0 {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[e.GroupFolder]; busy {
		return "", false
	}
	cur, ok := p.entries[e.GroupFolder]
	if !ok || cur.ContainerID != e.ContainerID || now.Sub(cur.LastUsedAt) <= p.opts.IdleTimeout {
		return "", false
	}
	return p.detachLocked(e.GroupFolder, e.ContainerID), true
}

// RunSweeper calls Sweep every interval until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// ReclaimOrphans removes sandboxes left by a previous process. Only
// containers that carry the persistent label and mount a directory under
// this deployment's IPC root are touched; anything else built from the same
// image is ignored. Returns the number removed.
func (p *Pool) ReclaimOrphans(ctx context.Context) (int, error) {
	infos, err := p.engine.List(ctx, p.opts.Image)
	if err != nil {
		return 0, err
	}

	tracked := make(map[string]bool)
	for _, e := range p.Entries() {
		tracked[e.ContainerID] = true
		tracked[e.Name] = true
	}

	removed := 0
	for _, info := range infos {
		if tracked[info.ID] || tracked[info.Name] {
			continue
		}
		if !container.OwnedBy(info, p.layout.Root) {
			log.Debug("ignoring container not owned by this deployment", "container_id", shortID(info.ID), "name", info.Name)
			continue
		}
		log.Info("reclaiming orphaned sandbox", "container_id", shortID(info.ID), "name", info.Name, "group", info.Labels[container.LabelGroup])
		if info.Running {
			if err := p.engine.Kill(ctx, info.ID, "SIGKILL"); err != nil {
				log.Warn("killing orphan", "container_id", shortID(info.ID), "error", err)
			}
		}
		if err := p.engine.Remove(ctx, info.ID); err != nil {
			log.Warn("removing orphan", "container_id", shortID(info.ID), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
