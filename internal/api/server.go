// Package api provides the HTTP REST and WebSocket front end of portsweep:
// scan submission and tracking, profile and port catalog lookups, target
// validation and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/portsweep/internal/api/handlers"
	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/auth"
	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/metrics"
)

const (
	serverShutdownTimeout = 30 * time.Second
	apiPrefix             = "/api/v1"
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handlers   *apihandlers.HandlerManager
	config     config.APIConfig
	logger     *logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates the API server. prom may be nil, in which case no /metrics
// endpoint is served and request metrics are dropped.
func New(cfg *config.Config, deps apihandlers.Deps, prom *metrics.PrometheusMetrics) (*Server, error) {
	if cfg == nil {
		return nil, errors.ErrConfigMissing("api")
	}
	apiCfg := cfg.API
	if apiCfg.AuthEnabled && len(apiCfg.APIKeyHashes) == 0 {
		return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
			"authentication is enabled but no API key hashes are configured", "api.api_key_hashes", nil)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("api")
	deps.Logger = logger
	if deps.MaxRequestSize <= 0 {
		deps.MaxRequestSize = apiCfg.MaxRequestSize
	}
	if apiCfg.EnableCORS && len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = apiCfg.CORSOrigins
	}

	s := &Server{
		router:   mux.NewRouter(),
		handlers: apihandlers.New(deps),
		config:   apiCfg,
		logger:   logger,
	}

	var httpMetrics metrics.HTTPMetrics = metrics.Nop{}
	if prom != nil {
		httpMetrics = prom
	}

	metricsPath := ""
	if prom != nil && cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		s.router.Handle(metricsPath, promhttp.HandlerFor(prom.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.setupRoutes()
	s.setupMiddleware(httpMetrics, metricsPath)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(apiCfg.Host, strconv.Itoa(apiCfg.Port)),
		Handler:           s.wrap(s.router),
		ReadTimeout:       apiCfg.ReadTimeout,
		ReadHeaderTimeout: apiCfg.ReadTimeout,
		WriteTimeout:      apiCfg.WriteTimeout,
		IdleTimeout:       apiCfg.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	h := s.handlers
	api := s.router.PathPrefix(apiPrefix).Subrouter()

	api.HandleFunc("/liveness", h.Health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", h.Health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", h.Health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", h.Health.Version).Methods(http.MethodGet)

	api.HandleFunc("/profiles", h.Profiles.ListProfiles).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{name}", h.Profiles.GetProfile).Methods(http.MethodGet)

	api.HandleFunc("/ports", h.Catalog.ListPorts).Methods(http.MethodGet)
	api.HandleFunc("/ports/{port}", h.Catalog.GetPort).Methods(http.MethodGet)
	api.HandleFunc("/targets/validate", h.Catalog.ValidateTarget).Methods(http.MethodPost)

	api.HandleFunc("/scans", h.Scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", h.Scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.Scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.Scans.CancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/report", h.Scans.GetScanReport).Methods(http.MethodGet)

	api.HandleFunc("/history", h.Scans.ListHistory).Methods(http.MethodGet)
	api.HandleFunc("/history/{id}", h.Scans.DeleteHistory).Methods(http.MethodDelete)

	api.HandleFunc("/ws/scans", h.WebSocket.ScanWebSocket).Methods(http.MethodGet)
}

// setupMiddleware installs the per-route middleware chain.
func (s *Server) setupMiddleware(httpMetrics metrics.HTTPMetrics, metricsPath string) {
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(httpMetrics))
	s.router.Use(middleware.SecurityHeaders())

	if s.config.AuthEnabled {
		public := []string{
			apiPrefix + "/liveness",
			apiPrefix + "/health",
			apiPrefix + "/version",
		}
		if metricsPath != "" {
			public = append(public, metricsPath)
		}
		verifier := auth.NewVerifier(s.config.APIKeyHashes)
		s.router.Use(middleware.Authentication(verifier, s.logger, public...))
		s.logger.Info("API key authentication enabled", "keys", verifier.Len())
	}

	s.router.Use(middleware.ContentType())
}

// wrap adds the handlers that must also see unmatched requests: panic
// recovery and CORS preflight.
func (s *Server) wrap(next http.Handler) http.Handler {
	h := handlers.RecoveryHandler(
		handlers.RecoveryLogger(middleware.RecoveryLogger{Logger: s.logger}),
		handlers.PrintRecoveryStack(true),
	)(next)

	if s.config.EnableCORS {
		origins := s.config.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		h = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", middleware.APIKeyHeader}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader, "Location"}),
		)(h)
	}
	return h
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until ctx is done or
// the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the API server and disconnects websocket clients.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.handlers.Close()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Address returns the bound address once Start has begun listening, and the
// configured address before that.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
