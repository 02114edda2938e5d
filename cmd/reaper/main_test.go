package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, fsys afero.Fs, name string, age time.Duration) {
	t.Helper()

	path := "/work/" + name
	require.NoError(t, afero.WriteFile(fsys, path, []byte("x"), 0o644))

	mtime := time.Now().Add(-age)
	require.NoError(t, fsys.Chtimes(path, mtime, mtime))
}

func runReaper(t *testing.T, fsys afero.Fs, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := NewReaperCommand(fsys, &out)
	cmd.SetArgs(append([]string{"--dir", "/work"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestReaperCommandDefaultAge(t *testing.T) {
	fsys := afero.NewMemMapFs()
	seed(t, fsys, ".gitkeep", time.Hour)
	seed(t, fsys, "old.jpg", 30*time.Minute)
	seed(t, fsys, "fresh.jpg", time.Minute)

	out, err := runReaper(t, fsys)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 file(s) older than 15m0s")

	exists, _ := afero.Exists(fsys, "/work/fresh.jpg")
	assert.True(t, exists)
}

func TestReaperCommandZeroDeletesAllButSentinel(t *testing.T) {
	fsys := afero.NewMemMapFs()
	seed(t, fsys, ".gitkeep", time.Hour)
	seed(t, fsys, "a.jpg", 0)
	seed(t, fsys, "b.png", time.Minute)

	out, err := runReaper(t, fsys, "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 file(s)")

	exists, _ := afero.Exists(fsys, "/work/.gitkeep")
	assert.True(t, exists)
}

func TestReaperCommandRejectsBadAge(t *testing.T) {
	_, err := runReaper(t, afero.NewMemMapFs(), "soon")
	assert.ErrorContains(t, err, "invalid maxAgeMinutes")

	_, err = runReaper(t, afero.NewMemMapFs(), "-3")
	assert.Error(t, err)
}
