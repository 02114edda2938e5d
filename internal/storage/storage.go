package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	osCreateExclusive = os.O_WRONLY | os.O_CREATE | os.O_EXCL
)

// File is a file held in the work directory: an accepted upload or a
// processed output.
type File struct {
	Path         string
	OriginalName string
	MediaType    string
	Size         int64
}

// WorkDir is the shared temporary area for uploads and outputs. Every file
// gets a fresh uuid name so concurrent requests never collide.
type WorkDir struct {
	fs       afero.Fs
	dir      string
	sentinel string
}

// NewWorkDir creates dir (and the sentinel placeholder inside it) if needed.
func NewWorkDir(fsys afero.Fs, dir, sentinel string) (*WorkDir, error) {
	if err := fsys.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	if sentinel != "" {
		sentinelPath := filepath.Join(dir, sentinel)

		exists, err := afero.Exists(fsys, sentinelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to check sentinel: %w", err)
		}

		if !exists {
			if err := afero.WriteFile(fsys, sentinelPath, nil, filePerm); err != nil {
				return nil, fmt.Errorf("failed to create sentinel: %w", err)
			}
		}
	}

	return &WorkDir{fs: fsys, dir: dir, sentinel: sentinel}, nil
}

func (w *WorkDir) Fs() afero.Fs { return w.fs }

func (w *WorkDir) Dir() string { return w.dir }

func (w *WorkDir) Sentinel() string { return w.sentinel }

// NewPath returns a fresh, unused path with the given extension.
func (w *WorkDir) NewPath(ext string) string {
	return filepath.Join(w.dir, uuid.NewString()+strings.ToLower(ext))
}

// Create opens a fresh file for writing.
func (w *WorkDir) Create(ext string) (afero.File, error) {
	f, err := w.fs.OpenFile(w.NewPath(ext), osCreateExclusive, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create work file: %w", err)
	}

	return f, nil
}

// WriteFile stores data in a fresh file and returns its path and size.
func (w *WorkDir) WriteFile(ext string, data []byte) (string, int64, error) {
	f, err := w.Create(ext)
	if err != nil {
		return "", 0, err
	}

	path := f.Name()

	n, err := f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = w.fs.Remove(path)

		return "", 0, fmt.Errorf("failed to write work file: %w", err)
	}

	return path, int64(n), nil
}

// ReadFile returns the content of a work file.
func (w *WorkDir) ReadFile(path string) ([]byte, error) {
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read work file: %w", err)
	}

	return data, nil
}

// Open opens a work file for reading.
func (w *WorkDir) Open(path string) (afero.File, error) {
	return w.fs.Open(path)
}

// Size returns the size of a work file.
func (w *WorkDir) Size(path string) (int64, error) {
	info, err := w.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat work file: %w", err)
	}

	return info.Size(), nil
}

// Remove deletes a work file. A file that is already gone is not an error;
// any other failure is logged and left to the reaper.
func (w *WorkDir) Remove(ctx context.Context, path string) {
	if path == "" {
		return
	}

	if err := w.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete work file", "file", path, "err", err)
	}
}

// RemoveAll deletes every given file.
func (w *WorkDir) RemoveAll(ctx context.Context, files []File) {
	for _, f := range files {
		w.Remove(ctx, f.Path)
	}
}

// Copy streams src into a fresh file with the given extension. Sources
// longer than limit fail with ErrTooLarge. A failed copy leaves no file behind.
func (w *WorkDir) Copy(ext string, src io.Reader, limit int64) (string, int64, error) {
	f, err := w.Create(ext)
	if err != nil {
		return "", 0, err
	}

	path := f.Name()

	n, err := io.Copy(f, io.LimitReader(src, limit+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = w.fs.Remove(path)

		return "", 0, fmt.Errorf("failed to write work file: %w", err)
	}

	if n > limit {
		_ = w.fs.Remove(path)

		return "", n, ErrTooLarge
	}

	return path, n, nil
}

// ErrTooLarge is returned by Copy when the source exceeds the limit.
var ErrTooLarge = errors.New("file too large")
