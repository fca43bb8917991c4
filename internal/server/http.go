// Package server exposes a backend over HTTP: reads for replicas and
// clients, authenticated writes for the primary.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelref/config"
	"modelref/internal/backend"
	"modelref/internal/metadata"
)

// APIPrefix is the root of the reference routes. Replicas configure
// primary.url as the server address plus "/api".
const APIPrefix = "/api/model_references"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string // Optional: bearer token required for writes and mark_stale
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   int64  // Max request body size in bytes (default: 10MB)
	// Tracker serves the metadata routes. Nil answers them with 404.
	Tracker *metadata.Tracker
}

// New creates a new HTTP server
func New(b backend.Backend, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(b, cfg.Tracker)

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		e.GET(metricsPath(cfg.MetricsEndpoint), echo.WrapHandler(promhttp.Handler()))
	}

	requireKey := AuthMiddleware(cfg.MasterKey)

	api := e.Group(APIPrefix)
	api.GET("/stats", handler.Statistics)

	v2 := api.Group("/v2")
	v2.GET("", handler.ListCategories)
	v2.GET("/metadata", handler.ListMetadata)
	v2.GET("/metadata/:category", handler.Metadata)
	v2.GET("/metadata/:category/last_updated", handler.LastUpdated)
	v2.GET("/:category", handler.GetCategory)
	v2.GET("/:category/:model", handler.GetModel)
	v2.PUT("/:category/:model", handler.UpdateModel, requireKey)
	v2.DELETE("/:category/:model", handler.DeleteModel, requireKey)
	v2.POST("/:category/mark_stale", handler.MarkStale, requireKey)

	v1 := api.Group("/v1")
	v1.GET("/metadata", handler.ListMetadata)
	v1.GET("/metadata/:category", handler.Metadata)
	v1.GET("/:category", handler.GetLegacy)
	v1.PUT("/:category/:model", handler.UpdateModelLegacy, requireKey)
	v1.DELETE("/:category/:model", handler.DeleteModelLegacy, requireKey)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsPath cleans the configured endpoint. Paths that would shadow the
// health or reference routes fall back to /metrics.
func metricsPath(endpoint string) string {
	const fallback = "/metrics"
	if endpoint == "" {
		return fallback
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/health" || p == "/api" || strings.HasPrefix(p, APIPrefix) {
		return fallback
	}
	return p
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
