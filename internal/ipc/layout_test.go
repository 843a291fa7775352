package ipc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidFolder(t *testing.T) {
	for _, ok := range []string{"main", "family-chat", "A_1", "x"} {
		assert.True(t, ValidFolder(ok), ok)
	}
	for _, bad := range []string{"", "-lead", "../etc", "a/b", ".hidden", string(make([]byte, 65))} {
		assert.False(t, ValidFolder(bad), bad)
	}
}

func TestLayoutEnsureIsIdempotent(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	dir, err := l.Ensure("family-chat")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Root, "family-chat"), dir)
	for _, sub := range []string{InputDir, OutputDir, MessagesDir, TasksDir, BrowseDir, StatusDir} {
		assert.DirExists(t, filepath.Join(dir, sub))
	}

	again, err := l.Ensure("family-chat")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	_, err = l.Ensure("../escape")
	assert.Error(t, err)
}

func TestLayoutGroups(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	groups, err := l.Groups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	for _, g := range []string{"zeta", "main"} {
		_, err := l.Ensure(g)
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(l.ErrorDir(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Root, "stray.json"), nil, 0644))

	groups, err = l.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "zeta"}, groups)
}
