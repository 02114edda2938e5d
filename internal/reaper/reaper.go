// Package reaper removes orphaned files from the work directory.
//
// Every code path is expected to clean up after itself; the reaper is the
// safety net for the ones that did not (crashes, failed writes, inline
// responses that never produced a record).
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/image_toolkit/internal/clock"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/notifier"
	"github.com/italolelis/image_toolkit/internal/periodic"
	"github.com/italolelis/image_toolkit/internal/telemetry"
	"github.com/spf13/afero"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultMaxAge   = 15 * time.Minute
)

// Report summarizes one sweep.
type Report struct {
	Deleted        int
	Kept           int
	Failed         int
	RemainingBytes int64
}

type Reaper struct {
	fs       afero.Fs
	dir      string
	sentinel string

	clock     clock.Clock
	telemetry *telemetry.Telemetry
	notifier  notifier.Notifier
}

type Option func(*Reaper)

func WithClock(c clock.Clock) Option {
	return func(r *Reaper) { r.clock = c }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(r *Reaper) { r.telemetry = t }
}

// WithNotifier sends a notice whenever a sweep deletes something.
func WithNotifier(n notifier.Notifier) Option {
	return func(r *Reaper) { r.notifier = n }
}

// New returns a reaper for dir. The file named sentinel is never deleted.
func New(fsys afero.Fs, dir, sentinel string, opts ...Option) *Reaper {
	r := &Reaper{
		fs:       fsys,
		dir:      dir,
		sentinel: sentinel,
		clock:    clock.Real{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SweepOnce deletes every file older than maxAge and returns how many were
// deleted. A maxAge of zero or less deletes every file.
func (r *Reaper) SweepOnce(ctx context.Context, maxAge time.Duration) (int, error) {
	report, err := r.Sweep(ctx, maxAge)

	return report.Deleted, err
}

// Sweep is SweepOnce with the full report. Per-file failures are logged and
// counted; only an unreadable directory is returned as an error.
func (r *Reaper) Sweep(ctx context.Context, maxAge time.Duration) (Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	var report Report

	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, nil
		}

		return report, fmt.Errorf("failed to list work directory: %w", err)
	}

	now := r.clock.Now()

	for _, info := range entries {
		if info.IsDir() || info.Name() == r.sentinel {
			continue
		}

		path := filepath.Join(r.dir, info.Name())
		age := now.Sub(info.ModTime())

		if maxAge > 0 && age <= maxAge {
			report.Kept++
			report.RemainingBytes += info.Size()

			continue
		}

		if err := r.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WarnContext(ctx, "failed to delete orphaned file", "file", path, "err", err)

			report.Failed++
			report.RemainingBytes += info.Size()

			continue
		}

		report.Deleted++

		logger.DebugContext(ctx, "orphaned file deleted",
			"file", info.Name(),
			"age", age.Truncate(time.Second).String(),
			"size", humanize.Bytes(uint64(info.Size())))
	}

	r.telemetry.RecordWorkDirUsage(report.RemainingBytes, report.Kept+report.Failed)

	switch {
	case report.Deleted > 0:
		logger.InfoContext(ctx, "orphan sweep finished",
			"deleted", report.Deleted,
			"kept", report.Kept,
			"failed", report.Failed,
			"remaining", humanize.Bytes(uint64(report.RemainingBytes)))
	case report.Kept > 0:
		logger.DebugContext(ctx, "orphan sweep found only fresh files", "kept", report.Kept, "max_age", maxAge.String())
	default:
		logger.DebugContext(ctx, "orphan sweep found an empty work directory")
	}

	return report, nil
}

// Start sweeps immediately and then every interval until ctx is cancelled.
// It blocks.
func (r *Reaper) Start(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	periodic.Run(ctx, "orphan_reaper", interval, true, func(ctx context.Context) error {
		deleted, err := r.telemetry.InstrumentSweep(ctx, "reaper", func(ctx context.Context) (int, error) {
			return r.SweepOnce(ctx, maxAge)
		})
		if err != nil {
			return err
		}

		if deleted > 0 {
			r.notify(ctx, deleted)
		}

		return nil
	})
}

func (r *Reaper) notify(ctx context.Context, deleted int) {
	if r.notifier == nil {
		return
	}

	msg := fmt.Sprintf("image_toolkit: removed %d orphaned file(s) from %s", deleted, r.dir)
	if err := r.notifier.Notify(ctx, msg); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send reaper notice", "err", err)
	}
}
