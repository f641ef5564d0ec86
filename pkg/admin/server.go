// Package admin exposes the pipeline manager over HTTP: pipeline status,
// statistics, maintenance operations, health checks and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/gateway"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Options configures a Server.
type Options struct {
	Gateway *gateway.Gateway
	// Metrics defaults to a registry fed by the gateway's manager.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Config  config.ServerConfig
}

// Server is the admin HTTP server.
type Server struct {
	gw      *gateway.Gateway
	metrics *telemetry.Metrics
	logger  *slog.Logger
	cfg     config.ServerConfig
	handler http.Handler

	server *http.Server
}

// NewServer builds the router. It does not listen until Start is called.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics(opts.Gateway.Manager().TelemetrySnapshot)
	}
	s := &Server{
		gw:      opts.Gateway,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "admin"),
		cfg:     opts.Config,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "polis.admin")
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.instrument)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/pipelines", s.handleListPipelines).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}", s.handleGetPipeline).Methods(http.MethodGet)
	api.HandleFunc("/pipelines/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/maintenance", s.handleMaintenanceStatus).Methods(http.MethodGet)
	api.HandleFunc("/maintenance", s.handleSetMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/maintenance", s.handleClearMaintenance).Methods(http.MethodDelete)
	api.HandleFunc("/maintenance/providers/{provider}", s.handleProviderMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/health/check", s.handleHealthCheck).Methods(http.MethodPost)

	// Middleware registered with Use only runs on matched routes.
	router.NotFoundHandler = s.observe(unmatchedRoute, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}))
	router.MethodNotAllowedHandler = s.observe(unmatchedRoute, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}))
	return router
}

const unmatchedRoute = "unmatched"

// instrument records request counts and latency labelled by route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := unmatchedRoute
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.observe(route, next).ServeHTTP(w, r)
	})
}

// observe records one request against a fixed route label.
func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.metrics.RecordHTTPRequest(r.Method, route, m.Code, m.Duration)
		s.logger.DebugContext(r.Context(), "admin request",
			"method", r.Method,
			"route", route,
			"status", m.Code,
			"duration", m.Duration,
		)
	})
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the admin address and serves in the background. It returns the
// bound address, which differs from the configured one when the port is 0.
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.cfg.AdminAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to bind admin listener on %s: %w", s.cfg.AdminAddress, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("admin server listening", "addr", listener.Addr().String())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}()
	return listener.Addr(), nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
