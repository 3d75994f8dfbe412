// Package http exposes the retrieval service over a JSON API. Every
// /api/v1 route passes the tenant security gate and the per-action rate
// limiter before its handler runs.
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

	"github.com/fyrsmithlabs/estimatord/internal/logging"
	"github.com/fyrsmithlabs/estimatord/internal/security"
	"github.com/fyrsmithlabs/estimatord/internal/vectorstore"
)

// Server provides HTTP endpoints for estimatord.
type Server struct {
	echo    *echo.Echo
	store   *vectorstore.Service
	gate    *security.Gate
	limiter *security.RateLimiter
	access  *security.AccessControl
	limits  RateLimits
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	BodyLimit string
	Limits    RateLimits
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Store   *vectorstore.Service
	Gate    *security.Gate
	Limiter *security.RateLimiter
	Access  *security.AccessControl
	// Gatherer backs GET /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Metrics  *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if deps.Gate == nil || deps.Limiter == nil {
		return nil, errors.New("security gate and rate limiter are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.Limits.Window <= 0 {
		cfg.Limits.Window = time.Minute
	}
	if deps.Access == nil {
		deps.Access = security.NewAccessControl(nil)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Metrics == nil {
		deps.Metrics = NewHTTPMetrics(nil, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		store:   deps.Store,
		gate:    deps.Gate,
		limiter: deps.Limiter,
		access:  deps.Access,
		limits:  cfg.Limits,
		logger:  logger,
		config:  cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(deps.Metrics.MetricsMiddleware())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s.registerRoutes(deps.Gatherer)
	return s, nil
}

// requestLogger logs one line per request and puts the request id on the
// context so audit events and handler logs carry it.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), requestID)))

			err := next(c)

			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/embeddings", s.handleStore,
		s.gate.Middleware(security.WriteDocuments), s.rateLimit(ActionIngest))
	v1.DELETE("/embeddings", s.handleDelete,
		s.gate.Middleware(security.DeleteDocuments), s.rateLimit(ActionDelete))
	v1.POST("/search", s.handleSearch,
		s.gate.Middleware(security.ReadDocuments), s.rateLimit(ActionSearch))
	v1.GET("/stats", s.handleStats,
		s.gate.Middleware(security.ReadDocuments), s.rateLimit(ActionStats))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
