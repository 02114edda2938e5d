// Package pipeline runs transforms on uploaded images and delivers the
// result either inline or as a stored artifact.
//
// Whatever happens, the input uploads are gone from the work directory by
// the time Execute returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/artifact"
	"github.com/italolelis/image_toolkit/internal/clock"
	"github.com/italolelis/image_toolkit/internal/codec"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/storage"
	"github.com/italolelis/image_toolkit/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxParallel = 4
)

// Delivery selects how a result reaches the client.
type Delivery string

const (
	// Inline returns the encoded bytes in the response.
	Inline Delivery = "inline"
	// Stored writes the result to the work directory and registers an
	// artifact that must be unlocked before download.
	Stored Delivery = "token"
)

// ParseDelivery accepts "inline" and "token".
func ParseDelivery(s string) (Delivery, error) {
	switch d := Delivery(s); d {
	case Inline, Stored:
		return d, nil
	default:
		return "", apperr.Invalid("delivery", "delivery must be inline or token")
	}
}

// Result is the outcome of a successful Execute. Data is set for inline
// delivery, Artifact for stored delivery.
type Result struct {
	Delivery    Delivery
	Data        []byte
	MediaType   string
	DisplayName string
	Artifact    artifact.Record
}

type Pipeline struct {
	work  *storage.WorkDir
	store *artifact.Store
	slots *semaphore.Weighted

	timeout   time.Duration
	clock     clock.Clock
	telemetry *telemetry.Telemetry
}

type Option func(*Pipeline)

// WithTimeout bounds each Execute: waiting for a slot, the transform and
// the write.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxParallel bounds how many transforms run at once.
func WithMaxParallel(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Pipeline) { p.telemetry = t }
}

func New(work *storage.WorkDir, store *artifact.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		work:    work,
		store:   store,
		slots:   semaphore.NewWeighted(DefaultMaxParallel),
		timeout: DefaultTimeout,
		clock:   clock.Real{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Execute applies op to the uploads and delivers the result.
func (p *Pipeline) Execute(ctx context.Context, op Operation, inputs []storage.File, delivery Delivery) (*Result, error) {
	// cleanup must run even when the request context is already gone
	defer p.work.RemoveAll(context.WithoutCancel(ctx), inputs)

	ctx = logctx.With(ctx, "operation", op.Name(), "delivery", string(delivery))
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data := make([][]byte, 0, len(inputs))

	for _, in := range inputs {
		b, err := p.work.ReadFile(in.Path)
		if err != nil {
			return nil, err
		}

		data = append(data, b)
	}

	out, err := p.transform(ctx, op, data)
	if err != nil {
		return nil, err
	}

	displayName := op.Prefix() + "-" + strconv.FormatInt(p.clock.Now().UnixMilli(), 10) + out.Format.Ext()

	logger.DebugContext(ctx, "transform finished",
		"inputs", len(inputs),
		"output_size", humanize.Bytes(uint64(len(out.Data))),
		"media_type", out.Format.MediaType())

	if delivery == Inline {
		return &Result{
			Delivery:    Inline,
			Data:        out.Data,
			MediaType:   out.Format.MediaType(),
			DisplayName: displayName,
		}, nil
	}

	rec, err := p.persist(ctx, out, displayName)
	if err != nil {
		return nil, err
	}

	return &Result{
		Delivery:    Stored,
		MediaType:   rec.MediaType,
		DisplayName: rec.DisplayName,
		Artifact:    rec,
	}, nil
}

// Register keeps an accepted upload as an artifact under its original name.
// The file becomes owned by the artifact store.
func (p *Pipeline) Register(ctx context.Context, upload storage.File) artifact.Record {
	rec := p.store.Create(upload.Path, upload.OriginalName, upload.MediaType, upload.Size)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "upload registered",
		"artifact_id", rec.ID,
		"size", humanize.Bytes(uint64(rec.Size)))

	return rec
}

// transform runs op on a worker slot. The slot is held until the codec
// returns, even when ctx expires first and the result is discarded, so at
// most the configured number of codec runs are ever in flight.
func (p *Pipeline) transform(ctx context.Context, op Operation, data [][]byte) (codec.Output, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return codec.Output{}, fmt.Errorf("waiting for a transform slot: %w", err)
	}

	type result struct {
		out codec.Output
		err error
	}

	done := make(chan result, 1)

	go func() {
		defer p.slots.Release(1)

		var out codec.Output

		_, err := p.telemetry.InstrumentTransform(ctx, op.Name(), func(context.Context) (int, error) {
			var err error

			out, err = op.Apply(data)

			return len(out.Data), err
		})

		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return codec.Output{}, fmt.Errorf("transform %s: %w", op.Name(), ctx.Err())
	case r := <-done:
		if r.err != nil {
			return codec.Output{}, classify(op, r.err)
		}

		return r.out, nil
	}
}

func (p *Pipeline) persist(ctx context.Context, out codec.Output, displayName string) (artifact.Record, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Record{}, fmt.Errorf("storing result: %w", err)
	}

	path, size, err := p.work.WriteFile(out.Format.Ext(), out.Data)
	if err != nil {
		return artifact.Record{}, err
	}

	if err := ctx.Err(); err != nil {
		p.work.Remove(context.WithoutCancel(ctx), path)

		return artifact.Record{}, fmt.Errorf("storing result: %w", err)
	}

	return p.store.Create(path, displayName, out.Format.MediaType(), size), nil
}

// classify turns codec failures caused by the input into client errors.
func classify(op Operation, err error) error {
	var validationErr *apperr.ValidationError
	if errors.As(err, &validationErr) {
		return err
	}

	if errors.Is(err, codec.ErrUnsupportedFormat) {
		return &apperr.ValidationError{Field: "image", Reason: "Only JPG and PNG images are allowed", Err: err}
	}

	return fmt.Errorf("transform %s: %w", op.Name(), err)
}
