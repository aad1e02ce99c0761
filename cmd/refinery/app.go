package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/observer"
	"github.com/fyrsmithlabs/refinery/internal/secrets"
	"github.com/fyrsmithlabs/refinery/internal/telemetry"
)

// app holds the dependencies shared by all subcommands.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *prometheus.Registry
	observer *observer.MetaObserver
	nc       *nats.Conn
	watcher  *observer.PolicyWatcher
}

// appOptions selects which optional dependencies a subcommand needs.
type appOptions struct {
	// publish fans records out to NATS when nats.url is set.
	publish bool
	// prometheus registers observer metrics on a dedicated registry.
	prometheus bool
}

// newApp loads configuration and initializes dependencies:
//  1. Loads and validates configuration
//  2. Initializes telemetry and logger
//  3. Connects to NATS (if configured), redacting published records
//  4. Builds the long-term observer and its policy watcher
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg}

	a.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	a.logger, err = logging.NewLogger(logCfg, a.tel.LoggerProvider())
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	obsOpts := []observer.Option{observer.WithLogger(zl.Named("observer"))}

	if cfg.Observer.PolicyFile != "" && !cfg.Observer.WatchPolicy {
		policy, err := observer.LoadPolicy(cfg.Observer.PolicyFile)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to load health policy: %w", err)
		}
		obsOpts = append(obsOpts, observer.WithPolicy(policy))
	}

	if opts.prometheus {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obsOpts = append(obsOpts, observer.WithMetrics(observer.NewMetrics(a.registry)))
	}

	if cfg.NATS.URL != "" {
		a.nc, err = observer.ConnectNATS(cfg.NATS, zl.Named("nats"))
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.logger.Info(ctx, "connected to nats",
			zap.String("url", a.nc.ConnectedUrlRedacted()),
			zap.String("subject", cfg.NATS.Subject))

		if opts.publish {
			sink, err := newPublishSink(a.nc, cfg, zl)
			if err != nil {
				a.close(ctx)
				return nil, err
			}
			obsOpts = append(obsOpts, observer.WithSinks(sink))
		}
	}

	a.observer, err = observer.New(obsOpts...)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create observer: %w", err)
	}

	if cfg.Observer.WatchPolicy {
		a.watcher, err = observer.NewPolicyWatcher(cfg.Observer.PolicyFile, a.observer, zl.Named("policy"))
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if err := a.watcher.Start(ctx); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to start policy watcher: %w", err)
		}
	}

	return a, nil
}

// newPublishSink publishes records to NATS with secrets redacted.
func newPublishSink(nc *nats.Conn, cfg *config.Config, logger *zap.Logger) (observer.Sink, error) {
	natsSink, err := observer.NewNATSSink(nc, cfg.NATS.Subject)
	if err != nil {
		return nil, err
	}
	scrubber, err := secrets.New(&secrets.Config{
		Replacement: cfg.Redaction.Replacement,
		AllowList:   cfg.Redaction.AllowList,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}
	return observer.NewScrubbingSink(natsSink, scrubber, logger.Named("redact"))
}

// startSource subscribes the observer to records published by other
// processes. It is a no-op without NATS.
func (a *app) startSource(ctx context.Context) (*observer.NATSSource, error) {
	if a.nc == nil {
		return nil, nil
	}
	src, err := observer.NewNATSSource(a.nc, a.cfg.NATS.Subject, a.observer, a.logger.Underlying().Named("nats"))
	if err != nil {
		return nil, err
	}
	if err := src.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to interaction records: %w", err)
	}
	return src, nil
}

// close releases all resources. Safe on a partially initialized app.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	if a.nc != nil {
		if a.nc.IsConnected() {
			errs = append(errs, a.nc.Flush())
		}
		a.nc.Close()
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	}
	if a.logger != nil {
		if err := errors.Join(errs...); err != nil {
			a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
		}
		_ = a.logger.Sync() // Best-effort sync
	}
}
