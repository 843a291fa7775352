package mounts

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subosito/gotenv"

	"github.com/majorcontext/corral/internal/config"
	"github.com/majorcontext/corral/internal/container"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ProjectRoot = t.TempDir()
	return cfg
}

func mountFor(plan *Plan, target string) (container.Mount, bool) {
	for _, m := range plan.Mounts {
		if m.Target == target {
			return m, true
		}
	}
	return container.Mount{}, false
}

func TestPlanPrivileged(t *testing.T) {
	cfg := testConfig(t)
	p := NewPlanner(cfg)

	plan, err := p.Plan(Group{Folder: "main", Privileged: true}, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})
	require.NoError(t, err)

	project, ok := mountFor(plan, ProjectTarget)
	require.True(t, ok)
	assert.Equal(t, cfg.ProjectRoot, project.Source)
	assert.False(t, project.ReadOnly)

	_, ok = mountFor(plan, GlobalTarget)
	assert.False(t, ok, "privileged group sees the project, not the global mount")

	group, ok := mountFor(plan, GroupTarget)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.GroupsDir(), "main"), group.Source)
	assert.Equal(t, filepath.Join(cfg.IPCDir(), "main"), plan.IPCDir)
	assert.Equal(t, GroupTarget, plan.WorkingDir)
}

func TestPlanUnprivileged(t *testing.T) {
	cfg := testConfig(t)
	p := NewPlanner(cfg)

	plan, err := p.Plan(Group{Folder: "family-chat"}, nil)
	require.NoError(t, err)

	_, ok := mountFor(plan, ProjectTarget)
	assert.False(t, ok)

	global, ok := mountFor(plan, GlobalTarget)
	require.True(t, ok)
	assert.True(t, global.ReadOnly)
	assert.Equal(t, cfg.GlobalDir(), global.Source)

	ipcMount, ok := mountFor(plan, IPCTarget)
	require.True(t, ok)
	assert.DirExists(t, filepath.Join(ipcMount.Source, "agent-input"))

	sessions, ok := mountFor(plan, SessionsTarget)
	require.True(t, ok)
	assert.DirExists(t, sessions.Source)
}

func TestPlanWritesEnvFile(t *testing.T) {
	cfg := testConfig(t)
	p := NewPlanner(cfg)

	env := map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok-123",
		"BRAVE_API_KEY":           "has space",
	}
	plan, err := p.Plan(Group{Folder: "main", Privileged: true}, env)
	require.NoError(t, err)

	info, err := os.Stat(plan.EnvFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(plan.EnvFile)
	require.NoError(t, err)
	parsed, err := gotenv.StrictParse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, gotenv.Env(env), parsed)

	envMount, ok := mountFor(plan, EnvTarget)
	require.True(t, ok)
	assert.True(t, envMount.ReadOnly)
}

func TestPlanIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p := NewPlanner(cfg)

	first, err := p.Plan(Group{Folder: "main", Privileged: true}, map[string]string{"A": "1"})
	require.NoError(t, err)
	second, err := p.Plan(Group{Folder: "main", Privileged: true}, map[string]string{"A": "2"})
	require.NoError(t, err)

	assert.Equal(t, first.Mounts, second.Mounts)
	data, err := os.ReadFile(second.EnvFile)
	require.NoError(t, err)
	assert.Equal(t, "A=2\n", string(data))
}

func TestPlanRejectsInvalidFolder(t *testing.T) {
	p := NewPlanner(testConfig(t))
	_, err := p.Plan(Group{Folder: "../etc"}, nil)
	assert.Error(t, err)
}

func TestAdditionalMounts(t *testing.T) {
	cfg := testConfig(t)
	allowed := t.TempDir()
	notes := filepath.Join(allowed, "notes")
	keys := filepath.Join(allowed, ".ssh")
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(notes, 0755))
	require.NoError(t, os.MkdirAll(keys, 0755))

	cfg.Mounts.AllowedRoots = []string{allowed}
	cfg.Mounts.Additional = map[string][]string{
		"main":        {notes + ":notes", keys + ":keys", outside + ":outside"},
		"family-chat": {notes + ":notes", notes + ":../../escape"},
	}
	p := NewPlanner(cfg)

	plan, err := p.Plan(Group{Folder: "main", Privileged: true}, nil)
	require.NoError(t, err)
	m, ok := mountFor(plan, ExtraRoot+"/notes")
	require.True(t, ok)
	assert.False(t, m.ReadOnly)
	_, ok = mountFor(plan, ExtraRoot+"/keys")
	assert.False(t, ok, "blocked pattern must be rejected")
	_, ok = mountFor(plan, ExtraRoot+"/outside")
	assert.False(t, ok, "source outside allowed roots must be rejected")

	plan, err = p.Plan(Group{Folder: "family-chat"}, nil)
	require.NoError(t, err)
	m, ok = mountFor(plan, ExtraRoot+"/notes")
	require.True(t, ok)
	assert.True(t, m.ReadOnly, "unprivileged groups get extra mounts read-only")
	for _, mm := range plan.Mounts {
		assert.NotContains(t, mm.Target, "escape")
	}
}

func TestFormatEnv(t *testing.T) {
	got := string(FormatEnv(map[string]string{"B": "two words", "A": "plain"}))
	assert.Equal(t, "A=plain\nB=\"two words\"\n", got)
}
