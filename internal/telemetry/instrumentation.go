package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low-cardinality: operation names, statuses and
// component names only. Artifact ids, tokens and file names go to the logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// CountedFunc is an instrumented function that also reports a count, such as
// the bytes it produced or the entries it removed.
type CountedFunc func(ctx context.Context) (int, error)

// InstrumentOperation wraps fn in a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentTransform instruments one codec run. fn returns the output size.
func (t *Telemetry) InstrumentTransform(ctx context.Context, operation string, fn CountedFunc) (int, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveTransforms()
	defer t.DecrementActiveTransforms()

	var size int

	err := t.InstrumentOperation(ctx, "transform_"+operation, "pipeline", func(ctx context.Context) error {
		var err error

		size, err = fn(ctx)

		return err
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransform(operation, status, time.Since(start), size)

	return size, err
}

// InstrumentSweep instruments one background sweep. fn returns how many
// entries it removed.
func (t *Telemetry) InstrumentSweep(ctx context.Context, sweeper string, fn CountedFunc) (int, error) {
	if t == nil {
		return fn(ctx)
	}

	var removed int

	err := t.InstrumentOperation(ctx, "sweep_"+sweeper, sweeper, func(ctx context.Context) error {
		var err error

		removed, err = fn(ctx)

		return err
	})

	status := "success"
	if err != nil {
		status = "error"

		t.RecordSystemError(sweeper, "sweep_failed")
	}

	t.RecordSweep(sweeper, status, removed)

	return removed, err
}
