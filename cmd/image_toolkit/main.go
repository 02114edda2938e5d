package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/image_toolkit/internal/artifact"
	"github.com/italolelis/image_toolkit/internal/config"
	"github.com/italolelis/image_toolkit/internal/http/rest"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/notifier"
	"github.com/italolelis/image_toolkit/internal/pipeline"
	"github.com/italolelis/image_toolkit/internal/reaper"
	"github.com/italolelis/image_toolkit/internal/storage"
	"github.com/italolelis/image_toolkit/internal/telemetry"
	"github.com/italolelis/image_toolkit/internal/token"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("image toolkit starting...", "log_level", cfg.LogLevel, "delivery_mode", cfg.DeliveryMode, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Work Directory and Stores
	work, err := storage.NewWorkDir(afero.NewOsFs(), cfg.WorkDir, cfg.SentinelName)
	if err != nil {
		return err
	}

	store := artifact.NewStore(work.Fs(), cfg.ArtifactTTL, artifact.WithTelemetry(tel))
	tokens := token.NewService(cfg.TokenTTL, token.WithTelemetry(tel))
	store.OnRelease(tokens.ReleaseHook)

	reaperOpts := []reaper.Option{reaper.WithTelemetry(tel)}
	if n := notifier.NewDiscord(cfg.DiscordWebhookURL); n != nil {
		reaperOpts = append(reaperOpts, reaper.WithNotifier(n))
	}

	orphans := reaper.New(work.Fs(), work.Dir(), work.Sentinel(), reaperOpts...)

	p := pipeline.New(work, store,
		pipeline.WithTimeout(cfg.TransformTimeout),
		pipeline.WithMaxParallel(cfg.MaxParallel),
		pipeline.WithTelemetry(tel),
	)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, work, p, store, tokens)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "prefix", cfg.Web.APIPrefix)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Sweepers
	g.Go(func() error {
		store.Run(ctx, cfg.ArtifactSweepInterval)

		return nil
	})

	g.Go(func() error {
		tokens.Run(ctx, cfg.TokenSweepInterval)

		return nil
	})

	g.Go(func() error {
		orphans.Start(ctx, cfg.ReaperInterval, cfg.ReaperMaxAge)

		return nil
	})

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-ctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	work *storage.WorkDir,
	p *pipeline.Pipeline,
	store *artifact.Store,
	tokens *token.Service,
) *http.Server {
	handler := rest.NewImageHandler(work, p, store, tokens, rest.Options{
		Delivery:    pipeline.Delivery(cfg.DeliveryMode),
		MaxFileSize: cfg.MaxUploadSize,
		MaxFiles:    cfg.MaxFiles,
		RateLimiter: rest.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Telemetry:   tel,
	})

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", rest.HandleHealthz)
	r.Handle("/metrics", tel.Handler())
	r.Mount(cfg.Web.APIPrefix, handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext:  baseContext(ctx),
	}
}

// baseContext hands requests the values of ctx without its cancellation, so
// a shutdown signal lets in-flight transforms drain within ShutdownTimeout.
func baseContext(ctx context.Context) func(net.Listener) context.Context {
	base := context.WithoutCancel(ctx)

	return func(net.Listener) context.Context {
		return base
	}
}
