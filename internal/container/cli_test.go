package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	args  []string
	stdin string
}

// scriptedRunner replies to engine invocations keyed by the first argument.
type scriptedRunner struct {
	calls   []call
	replies map[string]reply
}

type reply struct {
	stdout string
	stderr string
	err    error
}

func (s *scriptedRunner) run(_ context.Context, _ string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	c := call{args: args}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	s.calls = append(s.calls, c)
	r := s.replies[args[0]]
	_, _ = io.WriteString(stdout, r.stdout)
	_, _ = io.WriteString(stderr, r.stderr)
	return r.err
}

func TestRunArgs(t *testing.T) {
	cfg := RunConfig{
		Name:  "corral-main-abcd",
		Image: "corral-agent:latest",
		Cmd:   []string{"node", "/app/dist/index.js"},
		Env:   []string{"TZ=UTC"},
		Labels: map[string]string{
			LabelPersistent: "true",
			LabelGroup:      "main",
		},
		Mounts: []Mount{
			{Source: "/data/groups/main", Target: "/workspace/group"},
			{Source: "/data/groups/global", Target: "/workspace/global", ReadOnly: true},
		},
		WorkingDir: "/workspace/group",
	}

	got := runArgs(cfg, true)
	want := []string{
		"run", "-d", "--pull=never", "--name", "corral-main-abcd",
		"--label", "corral.group=main",
		"--label", "corral.persistent=true",
		"-v", "/data/groups/main:/workspace/group",
		"-v", "/data/groups/global:/workspace/global:ro",
		"-e", "TZ=UTC",
		"-w", "/workspace/group",
		"corral-agent:latest", "node", "/app/dist/index.js",
	}
	assert.Equal(t, want, got)

	once := runArgs(RunConfig{Image: "img"}, false)
	assert.Equal(t, []string{"run", "-i", "--rm", "--pull=never", "img"}, once)
}

func TestCLIEngineImageExists(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"image": {stderr: "Error: No such image: corral-agent:latest", err: errors.New("exit status 1")},
	}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	ok, err := e.ImageExists(context.Background(), "corral-agent:latest")
	require.NoError(t, err)
	assert.False(t, ok)

	r.replies["image"] = reply{stdout: "sha256:abc\n"}
	ok, err = e.ImageExists(context.Background(), "corral-agent:latest")
	require.NoError(t, err)
	assert.True(t, ok)

	r.replies["image"] = reply{stderr: "Cannot connect to the Docker daemon", err: errors.New("exit status 1")}
	_, err = e.ImageExists(context.Background(), "corral-agent:latest")
	assert.Error(t, err)
}

func TestCLIEngineRunMissingImage(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{
		"run": {stderr: "Unable to find image 'corral-agent:latest' locally", err: errors.New("exit status 125")},
	}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	_, err := e.Run(context.Background(), RunConfig{Name: "x", Image: "corral-agent:latest"})
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestCLIEngineRunReturnsID(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{"run": {stdout: "0123456789abcdef\n"}}}
	e := newCLIEngineWithRunner(EnginePodman, r.run)

	id, err := e.Run(context.Background(), RunConfig{Name: "x", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", id)
	assert.Equal(t, "podman", e.Type().String())
}

func TestCLIEngineIsRunning(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{"inspect": {stdout: "true\n"}}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	running, err := e.IsRunning(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, running)

	r.replies["inspect"] = reply{stderr: "Error: No such object: abc", err: errors.New("exit status 1")}
	running, err = e.IsRunning(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestCLIEngineKillAndRemoveIgnoreMissing(t *testing.T) {
	missing := reply{stderr: "Error: No such container: abc", err: errors.New("exit status 1")}
	r := &scriptedRunner{replies: map[string]reply{"kill": missing, "rm": missing}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	assert.NoError(t, e.Kill(context.Background(), "abc", ""))
	assert.NoError(t, e.Remove(context.Background(), "abc"))
	assert.Equal(t, []string{"kill", "--signal", "SIGKILL", "abc"}, r.calls[0].args)
	assert.Equal(t, []string{"rm", "-f", "abc"}, r.calls[1].args)
}

func TestCLIEngineList(t *testing.T) {
	inspect := `[
	  {"Id":"aaa","Name":"/corral-main-1","Config":{"Image":"corral-agent:latest","Labels":{"corral.persistent":"true"}},
	   "State":{"Running":true},"Mounts":[{"Source":"/data/ipc/main"}]},
	  {"Id":"bbb","Name":"/other","Config":{"Image":"corral-agent:latest","Labels":{}},
	   "State":{"Running":false},"Mounts":[]}
	]`
	r := &scriptedRunner{replies: map[string]reply{
		"ps":      {stdout: "aaa\nbbb\n"},
		"inspect": {stdout: inspect},
	}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	infos, err := e.List(context.Background(), "corral-agent:latest")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "corral-main-1", infos[0].Name)
	assert.True(t, infos[0].Running)
	assert.Equal(t, []string{"/data/ipc/main"}, infos[0].MountSources)
	assert.False(t, infos[1].Running)
	assert.Equal(t, []string{"inspect", "aaa", "bbb"}, r.calls[1].args)
}

func TestCLIEngineListEmpty(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{"ps": {stdout: "\n"}}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	infos, err := e.List(context.Background(), "img")
	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Len(t, r.calls, 1)
}

func TestCLIEngineRunOncePassesStdin(t *testing.T) {
	r := &scriptedRunner{replies: map[string]reply{"run": {stdout: "hello"}}}
	e := newCLIEngineWithRunner(EngineDocker, r.run)

	var stdout, stderr bytes.Buffer
	code, err := e.RunOnce(context.Background(), RunConfig{Image: "img"}, strings.NewReader(`{"prompt":"hi"}`), &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", stdout.String())
	assert.Equal(t, `{"prompt":"hi"}`, r.calls[0].stdin)
}
