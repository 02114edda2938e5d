package storage_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/image_toolkit/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkDir(t *testing.T) (*storage.WorkDir, afero.Fs) {
	t.Helper()

	fsys := afero.NewMemMapFs()
	wd, err := storage.NewWorkDir(fsys, "/work", ".gitkeep")
	require.NoError(t, err)

	return wd, fsys
}

func TestNewWorkDir_CreatesSentinel(t *testing.T) {
	_, fsys := newWorkDir(t)

	exists, err := afero.Exists(fsys, "/work/.gitkeep")
	require.NoError(t, err)
	assert.True(t, exists)

	// Idempotent on an existing directory.
	_, err = storage.NewWorkDir(fsys, "/work", ".gitkeep")
	require.NoError(t, err)
}

func TestWriteReadRemove(t *testing.T) {
	wd, fsys := newWorkDir(t)

	path, size, err := wd.WriteFile(".JPG", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
	assert.Equal(t, "/work", filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".jpg"))

	data, err := wd.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	got, err := wd.Size(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	wd.Remove(context.Background(), path)
	exists, _ := afero.Exists(fsys, path)
	assert.False(t, exists)

	// Removing twice is harmless.
	wd.Remove(context.Background(), path)
}

func TestCopy_EnforcesLimit(t *testing.T) {
	wd, fsys := newWorkDir(t)

	path, n, err := wd.Copy(".png", bytes.NewReader(make([]byte, 100)), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
	assert.NotEmpty(t, path)

	_, _, err = wd.Copy(".png", bytes.NewReader(make([]byte, 101)), 100)
	require.ErrorIs(t, err, storage.ErrTooLarge)

	entries, err := afero.ReadDir(fsys, "/work")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "sentinel plus the accepted copy only")
}

func TestNewPath_UniqueUnderConcurrency(t *testing.T) {
	wd, _ := newWorkDir(t)

	const n = 100

	var (
		mu    sync.Mutex
		paths = make(map[string]struct{}, n)
		wg    sync.WaitGroup
	)

	for range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			path, _, err := wd.WriteFile(".jpg", []byte("x"))
			assert.NoError(t, err)

			mu.Lock()
			paths[path] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Len(t, paths, n)
}
