package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// USE Metrics (Utilization, Saturation, Errors)
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	workDirUsage   metric.Int64Gauge
	workDirFiles   metric.Int64Gauge

	// Business Metrics
	transformsTotal      metric.Int64Counter
	transformDuration    metric.Float64Histogram
	transformOutputBytes metric.Int64Histogram
	transformsActive     metric.Int64UpDownCounter
	uploadsRejected      metric.Int64Counter
	artifactsCreated     metric.Int64Counter
	artifactsReleased    metric.Int64Counter
	artifactsActive      metric.Int64UpDownCounter
	tokensIssued         metric.Int64Counter
	tokenConsumptions    metric.Int64Counter
	sweepsTotal          metric.Int64Counter
	sweepRemoved         metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables pushing metrics over OTLP/gRPC in addition to the
	// Prometheus scrape endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled configuration yields an
// instance whose recorders are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTransform records one transform run for the given operation.
func (t *Telemetry) RecordTransform(operation, status string, duration time.Duration, outputBytes int) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.transformsTotal != nil {
		t.transformsTotal.Add(context.Background(), 1, attrs)
	}

	if t.transformDuration != nil {
		t.transformDuration.Record(context.Background(), duration.Seconds(), attrs)
	}

	if status == "success" && t.transformOutputBytes != nil {
		t.transformOutputBytes.Record(context.Background(), int64(outputBytes),
			metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (t *Telemetry) IncrementActiveTransforms() {
	if t != nil && t.transformsActive != nil {
		t.transformsActive.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementActiveTransforms() {
	if t != nil && t.transformsActive != nil {
		t.transformsActive.Add(context.Background(), -1)
	}
}

// RecordUploadRejected counts uploads refused at the boundary.
func (t *Telemetry) RecordUploadRejected(reason string) {
	if t != nil && t.uploadsRejected != nil {
		t.uploadsRejected.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordArtifactCreated counts a new artifact record.
func (t *Telemetry) RecordArtifactCreated() {
	if t == nil {
		return
	}

	if t.artifactsCreated != nil {
		t.artifactsCreated.Add(context.Background(), 1)
	}

	if t.artifactsActive != nil {
		t.artifactsActive.Add(context.Background(), 1)
	}
}

// RecordArtifactReleased counts a released artifact. Reason is "deleted" or
// "expired".
func (t *Telemetry) RecordArtifactReleased(reason string) {
	if t == nil {
		return
	}

	if t.artifactsReleased != nil {
		t.artifactsReleased.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}

	if t.artifactsActive != nil {
		t.artifactsActive.Add(context.Background(), -1)
	}
}

func (t *Telemetry) RecordTokenIssued() {
	if t != nil && t.tokensIssued != nil {
		t.tokensIssued.Add(context.Background(), 1)
	}
}

// RecordTokenConsumption records the outcome of a consume attempt.
func (t *Telemetry) RecordTokenConsumption(result string) {
	if t != nil && t.tokenConsumptions != nil {
		t.tokenConsumptions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

// RecordSweep records one run of a background sweeper.
func (t *Telemetry) RecordSweep(sweeper, status string, removed int) {
	if t == nil {
		return
	}

	if t.sweepsTotal != nil {
		t.sweepsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("sweeper", sweeper),
				attribute.String("status", status),
			),
		)
	}

	if removed > 0 && t.sweepRemoved != nil {
		t.sweepRemoved.Add(context.Background(), int64(removed),
			metric.WithAttributes(attribute.String("sweeper", sweeper)))
	}
}

// RecordWorkDirUsage records the bytes and files left in the work directory.
func (t *Telemetry) RecordWorkDirUsage(bytes int64, files int) {
	if t == nil {
		return
	}

	if t.workDirUsage != nil {
		t.workDirUsage.Record(context.Background(), bytes)
	}

	if t.workDirFiles != nil {
		t.workDirFiles.Record(context.Background(), int64(files))
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	return errors.Join(
		t.initializeREDMetrics(),
		t.initializeUSEMetrics(),
		t.initializeBusinessMetrics(),
		t.initializeSystemMetrics(),
	)
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUSEMetrics() error {
	var err error

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.workDirUsage, err = t.meter.Int64Gauge(
		"work_dir_usage_bytes",
		metric.WithDescription("Bytes held in the work directory after the last reaper sweep"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create work_dir_usage gauge: %w", err)
	}

	t.workDirFiles, err = t.meter.Int64Gauge(
		"work_dir_files",
		metric.WithDescription("Files held in the work directory after the last reaper sweep"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create work_dir_files gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.transformsTotal, err = t.meter.Int64Counter(
		"transforms_total",
		metric.WithDescription("Total number of image transforms"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transforms_total counter: %w", err)
	}

	t.transformDuration, err = t.meter.Float64Histogram(
		"transform_duration_seconds",
		metric.WithDescription("Transform duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transform_duration histogram: %w", err)
	}

	t.transformOutputBytes, err = t.meter.Int64Histogram(
		"transform_output_bytes",
		metric.WithDescription("Size of transform outputs"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transform_output_bytes histogram: %w", err)
	}

	t.transformsActive, err = t.meter.Int64UpDownCounter(
		"transforms_active",
		metric.WithDescription("Number of transforms currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transforms_active counter: %w", err)
	}

	t.uploadsRejected, err = t.meter.Int64Counter(
		"uploads_rejected_total",
		metric.WithDescription("Uploads refused at the upload boundary"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uploads_rejected counter: %w", err)
	}

	t.artifactsCreated, err = t.meter.Int64Counter(
		"artifacts_created_total",
		metric.WithDescription("Total number of artifacts stored for download"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifacts_created counter: %w", err)
	}

	t.artifactsReleased, err = t.meter.Int64Counter(
		"artifacts_released_total",
		metric.WithDescription("Total number of artifacts released"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifacts_released counter: %w", err)
	}

	t.artifactsActive, err = t.meter.Int64UpDownCounter(
		"artifacts_active",
		metric.WithDescription("Number of artifacts pending download"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifacts_active counter: %w", err)
	}

	t.tokensIssued, err = t.meter.Int64Counter(
		"download_tokens_issued_total",
		metric.WithDescription("Total number of download tokens issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_tokens_issued counter: %w", err)
	}

	t.tokenConsumptions, err = t.meter.Int64Counter(
		"download_token_consumptions_total",
		metric.WithDescription("Download token consume attempts by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_token_consumptions counter: %w", err)
	}

	t.sweepsTotal, err = t.meter.Int64Counter(
		"sweeps_total",
		metric.WithDescription("Background sweep runs by sweeper"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweeps_total counter: %w", err)
	}

	t.sweepRemoved, err = t.meter.Int64Counter(
		"sweep_removed_total",
		metric.WithDescription("Entries or files removed by background sweeps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep_removed counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.systemUptime != nil {
		t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
	}
}
