package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/refinery/internal/http"
)

const httpScope = "github.com/fyrsmithlabs/refinery/internal/http"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve loop health over HTTP",
		Long: `Serve loop health and Prometheus metrics over HTTP.

When nats.url is set, interaction records published by "refinery run" on
other hosts are aggregated into the long-term log.

Endpoints:
  GET /health          liveness
  GET /api/v1/health   health report over the long-term log
  GET /metrics         Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, appOptions{prometheus: true})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return serve(ctx, a)
		},
	}
}

// newHTTPServer builds the governance server over the app's observer.
func newHTTPServer(a *app) (*httpserver.Server, error) {
	zl := a.logger.Underlying().Named("http")
	cfg := &httpserver.Config{
		Host:      a.cfg.Server.Host,
		Port:      a.cfg.Server.Port,
		RateLimit: a.cfg.Server.RateLimit,
		RateBurst: a.cfg.Server.RateBurst,
		Metrics:   httpserver.NewHTTPMetrics(a.tel.Meter(httpScope), zl),
	}
	if a.registry != nil {
		cfg.Gatherer = a.registry
	}
	return httpserver.NewServer(a.observer, zl, cfg)
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured timeout.
func serve(ctx context.Context, a *app) error {
	src, err := a.startSource(ctx)
	if err != nil {
		return err
	}
	if src != nil {
		defer func() { _ = src.Stop() }()
	}

	srv, err := newHTTPServer(a)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/api/v1/health", a.cfg.Server.Host, a.cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("nats_source", src != nil))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(context.WithoutCancel(ctx), "shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}
