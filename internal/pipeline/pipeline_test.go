package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/artifact"
	"github.com/italolelis/image_toolkit/internal/clock"
	"github.com/italolelis/image_toolkit/internal/codec"
	"github.com/italolelis/image_toolkit/internal/pipeline"
	"github.com/italolelis/image_toolkit/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	fs    afero.Fs
	work  *storage.WorkDir
	store *artifact.Store
	clk   *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fsys := afero.NewMemMapFs()

	work, err := storage.NewWorkDir(fsys, "/work", ".gitkeep")
	require.NoError(t, err)

	clk := clock.NewMock(epoch)

	return &fixture{
		fs:    fsys,
		work:  work,
		store: artifact.NewStore(fsys, 10*time.Minute, artifact.WithClock(clk)),
		clk:   clk,
	}
}

func (f *fixture) pipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	return pipeline.New(f.work, f.store, append([]pipeline.Option{pipeline.WithClock(f.clk)}, opts...)...)
}

func (f *fixture) upload(t *testing.T, data []byte) storage.File {
	t.Helper()

	path, size, err := f.work.WriteFile(".jpg", data)
	require.NoError(t, err)

	return storage.File{Path: path, OriginalName: "photo.jpg", MediaType: "image/jpeg", Size: size}
}

// files lists everything in the work directory except the sentinel.
func (f *fixture) files(t *testing.T) []string {
	t.Helper()

	entries, err := afero.ReadDir(f.fs, "/work")
	require.NoError(t, err)

	var names []string

	for _, e := range entries {
		if e.Name() != ".gitkeep" {
			names = append(names, e.Name())
		}
	}

	return names
}

func sampleJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))

	return buf.Bytes()
}

type funcOp struct {
	apply func(inputs [][]byte) (codec.Output, error)
}

func (funcOp) Name() string   { return "test" }
func (funcOp) Prefix() string { return "test" }

func (o funcOp) Apply(inputs [][]byte) (codec.Output, error) { return o.apply(inputs) }

func TestExecuteInline(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, sampleJPEG(t, 64, 64))

	res, err := f.pipeline().Execute(t.Context(), pipeline.CompressOp{Options: pipeline.CompressOptions{Quality: 70}}, []storage.File{in}, pipeline.Inline)
	require.NoError(t, err)

	assert.Equal(t, pipeline.Inline, res.Delivery)
	assert.Equal(t, "image/jpeg", res.MediaType)
	assert.Equal(t, "compressed-1714554000000.jpg", res.DisplayName)
	assert.NotEmpty(t, res.Data)

	assert.Empty(t, f.files(t), "inline delivery leaves nothing on disk")
	assert.Zero(t, f.store.Len())
}

func TestExecuteStored(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, sampleJPEG(t, 64, 64))

	res, err := f.pipeline().Execute(t.Context(), pipeline.PassportOp{Options: pipeline.PassportOptions{
		Size:    codec.Size{Width: 30, Height: 40},
		Quality: 80,
	}}, []storage.File{in}, pipeline.Stored)
	require.NoError(t, err)

	assert.Equal(t, pipeline.Stored, res.Delivery)
	assert.Nil(t, res.Data)

	rec, ok := f.store.Get(res.Artifact.ID)
	require.True(t, ok)
	assert.Equal(t, "passport-1714554000000.jpg", rec.DisplayName)
	assert.Equal(t, "image/jpeg", rec.MediaType)

	data, err := afero.ReadFile(f.fs, rec.Location)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), rec.Size)

	exists, err := afero.Exists(f.fs, in.Path)
	require.NoError(t, err)
	assert.False(t, exists, "input upload must be deleted")
	assert.Len(t, f.files(t), 1)
}

func TestExecuteFailureCleansInputs(t *testing.T) {
	f := newFixture(t)
	inputs := []storage.File{f.upload(t, []byte("a")), f.upload(t, []byte("b"))}

	boom := errors.New("codec exploded")
	op := funcOp{apply: func([][]byte) (codec.Output, error) { return codec.Output{}, boom }}

	_, err := f.pipeline().Execute(t.Context(), op, inputs, pipeline.Stored)
	require.ErrorIs(t, err, boom)

	_, known := apperr.StatusCode(err)
	assert.False(t, known)

	assert.Empty(t, f.files(t))
	assert.Zero(t, f.store.Len())
}

func TestExecuteRejectsUndecodableInput(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, []byte("definitely not a jpeg"))

	_, err := f.pipeline().Execute(t.Context(), pipeline.CompressOp{Options: pipeline.CompressOptions{Quality: 70}}, []storage.File{in}, pipeline.Inline)

	var validationErr *apperr.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Empty(t, f.files(t))
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, []byte("x"))

	release := make(chan struct{})
	defer close(release)

	op := funcOp{apply: func([][]byte) (codec.Output, error) {
		<-release
		return codec.Output{Data: []byte("late")}, nil
	}}

	_, err := f.pipeline(pipeline.WithTimeout(20*time.Millisecond)).Execute(t.Context(), op, []storage.File{in}, pipeline.Stored)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, f.files(t))
	assert.Zero(t, f.store.Len())
}

func TestExecuteCancelledContextStillCleansInputs(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, sampleJPEG(t, 8, 8))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.pipeline().Execute(ctx, pipeline.CompressOp{Options: pipeline.CompressOptions{Quality: 70}}, []storage.File{in}, pipeline.Stored)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.files(t))
}

func TestExecuteBoundsParallelism(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(pipeline.WithMaxParallel(2))

	var running, peak atomic.Int32

	op := funcOp{apply: func([][]byte) (codec.Output, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		running.Add(-1)

		return codec.Output{Data: []byte("ok")}, nil
	}}

	var wg sync.WaitGroup

	for range 8 {
		in := f.upload(t, []byte("x"))

		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.Execute(t.Context(), op, []storage.File{in}, pipeline.Inline)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	in := f.upload(t, []byte("raw upload"))

	rec := f.pipeline().Register(t.Context(), in)

	got, ok := f.store.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, in.Path, got.Location)
	assert.Equal(t, "photo.jpg", got.DisplayName)
	assert.Equal(t, int64(10), got.Size)

	exists, err := afero.Exists(f.fs, in.Path)
	require.NoError(t, err)
	assert.True(t, exists, "registered uploads are kept")
}

func TestParseDelivery(t *testing.T) {
	d, err := pipeline.ParseDelivery("inline")
	require.NoError(t, err)
	assert.Equal(t, pipeline.Inline, d)

	d, err = pipeline.ParseDelivery("token")
	require.NoError(t, err)
	assert.Equal(t, pipeline.Stored, d)

	_, err = pipeline.ParseDelivery("carrier-pigeon")

	var validationErr *apperr.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
