// Package mounts computes the host directories bound into a group's sandbox.
package mounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/majorcontext/corral/internal/atomicfile"
	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/container"
	"github.com/majorcontext/corral/internal/ipc"
	"github.com/majorcontext/corral/internal/log"
)

// Paths inside the sandbox.
const (
	ProjectTarget  = "/workspace/project"
	GroupTarget    = "/workspace/group"
	GlobalTarget   = "/workspace/global"
	IPCTarget      = "/workspace/ipc"
	EnvTarget      = "/workspace/env-dir"
	ExtraRoot      = "/workspace/extra"
	SessionsTarget = "/home/node/.claude"

	envFileName = "env"
)

// Group identifies the sandbox being planned.
type Group struct {
	Folder     string
	Privileged bool
}

// Plan is the result of planning a group's sandbox filesystem.
type Plan struct {
	Mounts     []container.Mount
	IPCDir     string
	EnvFile    string
	WorkingDir string
}

// Planner lays out host directories for sandboxes. Planning is idempotent:
// directories are created if missing and the env file is overwritten in
// place, so a repeated or partially failed plan needs no rollback.
type Planner struct {
	cfg    *config.Config
	layout ipc.Layout
}

// NewPlanner returns a planner rooted at cfg's data directory.
func NewPlanner(cfg *config.Config) *Planner {
	return &Planner{cfg: cfg, layout: ipc.Layout{Root: cfg.IPCDir()}}
}

// Layout returns the IPC layout the planner uses.
func (p *Planner) Layout() ipc.Layout { return p.layout }

// Plan creates the group's host directories, writes its env file with env,
// and returns the mounts to pass to the engine.
func (p *Planner) Plan(g Group, env map[string]string) (*Plan, error) {
	if !ipc.ValidFolder(g.Folder) {
		return nil, fmt.Errorf("invalid group folder %q", g.Folder)
	}
	logger := log.ForGroup(g.Folder)

	groupDir, err := securejoin.SecureJoin(p.cfg.GroupsDir(), g.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolving group directory: %w", err)
	}
	sessionsDir, err := securejoin.SecureJoin(p.cfg.SessionsDir(), filepath.Join(g.Folder, ".claude"))
	if err != nil {
		return nil, fmt.Errorf("resolving sessions directory: %w", err)
	}
	envDir, err := securejoin.SecureJoin(p.cfg.EnvDir(), g.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolving env directory: %w", err)
	}
	for _, dir := range []string{groupDir, sessionsDir, envDir, p.cfg.GlobalDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	ipcDir, err := p.layout.Ensure(g.Folder)
	if err != nil {
		return nil, fmt.Errorf("creating ipc directory: %w", err)
	}

	envFile := filepath.Join(envDir, envFileName)
	if err := atomicfile.WriteFile(envFile, FormatEnv(env), 0600); err != nil {
		return nil, fmt.Errorf("writing env file: %w", err)
	}

	var mounts []container.Mount
	if g.Privileged && p.cfg.ProjectRoot != "" {
		mounts = append(mounts, container.Mount{Source: p.cfg.ProjectRoot, Target: ProjectTarget})
	}
	mounts = append(mounts, container.Mount{Source: groupDir, Target: GroupTarget})
	if !g.Privileged {
		mounts = append(mounts, container.Mount{Source: p.cfg.GlobalDir(), Target: GlobalTarget, ReadOnly: true})
	}
	mounts = append(mounts,
		container.Mount{Source: sessionsDir, Target: SessionsTarget},
		container.Mount{Source: ipcDir, Target: IPCTarget},
		container.Mount{Source: envDir, Target: EnvTarget, ReadOnly: true},
	)

	extra, err := p.additional(g)
	if err != nil {
		return nil, err
	}
	for _, m := range extra {
		logger.Debug("additional mount", "source", m.Source, "target", m.Target, "readonly", m.ReadOnly)
	}
	mounts = append(mounts, extra...)

	return &Plan{
		Mounts:     mounts,
		IPCDir:     ipcDir,
		EnvFile:    envFile,
		WorkingDir: GroupTarget,
	}, nil
}

// additional validates the configured extra mounts for g. Rejected mounts
// are logged and skipped; the sandbox still launches without them.
func (p *Planner) additional(g Group) ([]container.Mount, error) {
	requested, err := p.cfg.AdditionalMounts(g.Folder)
	if err != nil {
		return nil, err
	}
	var out []container.Mount
	for _, m := range requested {
		src, err := p.validateSource(m.Source)
		if err != nil {
			log.Warn("rejected additional mount", "group", g.Folder, "source", m.Source, "reason", err)
			continue
		}
		if filepath.IsAbs(m.Target) || strings.Contains(m.Target, "..") {
			log.Warn("rejected additional mount", "group", g.Folder, "target", m.Target, "reason", "target must be relative")
			continue
		}
		target, err := securejoin.SecureJoin(ExtraRoot, m.Target)
		if err != nil || target == ExtraRoot {
			log.Warn("rejected additional mount", "group", g.Folder, "target", m.Target, "reason", "invalid target")
			continue
		}
		out = append(out, container.Mount{
			Source:   src,
			Target:   target,
			ReadOnly: m.ReadOnly || !g.Privileged,
		})
	}
	return out, nil
}

func (p *Planner) validateSource(source string) (string, error) {
	src, err := expandHome(source)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(src) {
		return "", fmt.Errorf("source must be absolute")
	}
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		return "", fmt.Errorf("source does not exist: %w", err)
	}
	if pattern, ok := blocked(resolved, p.cfg.Mounts.BlockedPatterns); ok {
		return "", fmt.Errorf("path matches blocked pattern %q", pattern)
	}
	for _, root := range p.cfg.Mounts.AllowedRoots {
		r, err := expandHome(root)
		if err != nil {
			continue
		}
		if rr, err := filepath.EvalSymlinks(r); err == nil {
			r = rr
		}
		if within(resolved, r) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("not under an allowed root")
}

func blocked(path string, patterns []string) (string, bool) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" {
			continue
		}
		for _, pat := range patterns {
			if pat != "" && strings.Contains(part, pat) {
				return pat, true
			}
		}
	}
	return "", false
}

func within(path, root string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// FormatEnv renders env as a dotenv file with keys in sorted order. Values
// that need it are double-quoted.
func FormatEnv(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		b.WriteString(k)
		b.WriteByte('=')
		if strings.ContainsAny(v, " \t\n\"'#$\\") {
			b.WriteString(strconv.Quote(v))
		} else {
			b.WriteString(v)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
