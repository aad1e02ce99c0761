// Package http provides the governance HTTP API for refinery.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/observer"
)

// HealthEvaluator produces health reports over the long-term log.
type HealthEvaluator interface {
	EvaluateHealth(ctx context.Context) observer.HealthReport
}

// Server provides governance endpoints over an observer.
type Server struct {
	echo    *echo.Echo
	health  HealthEvaluator
	logger  *zap.Logger
	config  *Config
	limiter *clientLimiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second allowed per client on
	// /api/v1. 0 disables limiting.
	RateLimit float64
	RateBurst int

	// Gatherer backs GET /metrics. Nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer

	// Metrics records request metrics when set.
	Metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(health HealthEvaluator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if health == nil {
		return nil, fmt.Errorf("health evaluator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:      "localhost",
			Port:      9191,
			RateLimit: 5,
			RateBurst: 10,
		}
	}
	if cfg.RateLimit < 0 || (cfg.RateLimit > 0 && cfg.RateBurst < 1) {
		return nil, fmt.Errorf("invalid rate limit %v/s with burst %d", cfg.RateLimit, cfg.RateBurst)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	reqLogger := logging.FromZap(logger)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), requestID)
			c.SetRequest(req.WithContext(logging.WithLogger(ctx, reqLogger)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)

			return nil
		}
	})
	if cfg.Metrics != nil {
		e.Use(cfg.Metrics.MetricsMiddleware())
	}

	s := &Server{
		echo:   e,
		health: health,
		logger: logger,
		config: cfg,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Liveness
	s.echo.GET("/health", s.handleHealth)

	gatherer := s.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.middleware())
	}
	v1.GET("/health", s.handleHealthReport)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleHealthReport evaluates the long-term log. Alerts are reported in the
// body with status 200; the endpoint itself is healthy.
func (s *Server) handleHealthReport(c echo.Context) error {
	ctx := c.Request().Context()
	report := s.health.EvaluateHealth(ctx)

	logging.FromContext(ctx).Debug(ctx, "health evaluated",
		zap.String("status", string(report.Status)),
		zap.Int("records", report.Statistics.Records),
	)

	return c.JSON(http.StatusOK, report)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}
