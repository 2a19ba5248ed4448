// Package api exposes the lab service over HTTP for the web layer and labctl.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/config"
	"lab-sandbox/internal/monitor"
)

// Runtime is the health view of the container runtime driver.
type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. Reaper and Audit may be nil.
type Deps struct {
	Templates Templates
	Instances Instances
	Gateway   Executor
	Reaper    Sweeper
	Audit     AuditStore
	Runtime   Runtime
	Metrics   *monitor.Metrics
}

// Server is the main HTTP server for the lab API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps.Templates, deps.Instances, deps.Gateway, deps.Reaper, deps.Audit)

	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured; allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false; all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /templates", handlers.HandleListTemplates)
	apiMux.HandleFunc("GET /templates/{id}", handlers.HandleGetTemplate)
	apiMux.HandleFunc("POST /instances", handlers.HandleStartInstance)
	apiMux.HandleFunc("GET /instances", handlers.HandleListInstances)
	apiMux.HandleFunc("GET /instances/{id}", handlers.HandleGetInstance)
	apiMux.HandleFunc("DELETE /instances/{id}", handlers.HandleStopInstance)
	apiMux.HandleFunc("POST /instances/{id}/renew", handlers.HandleRenewInstance)
	apiMux.HandleFunc("POST /instances/{id}/usage", handlers.HandleRefreshUsage)
	apiMux.HandleFunc("POST /instances/{id}/exec", handlers.HandleExecute)
	apiMux.HandleFunc("POST /instances/{id}/exec/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("POST /instances/{id}/run", handlers.HandleRunCode)
	apiMux.HandleFunc("POST /instances/{id}/files", handlers.HandleUpload)
	apiMux.HandleFunc("GET /instances/{id}/events", handlers.HandleListEvents)
	apiMux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("POST /admin/sweep", handlers.HandleSweep)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody, cfg.Exec.MaxUploadBytes)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Database: s.deps.Audit == nil || s.deps.Audit.Healthy(ctx),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Runtime != nil {
		resp.Runtime = s.deps.Runtime.Name()
		if err := s.deps.Runtime.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("runtime health check failed")
		} else {
			resp.RuntimeOK = true
		}
	}
	if s.deps.Instances != nil {
		resp.ActiveInstances = s.deps.Instances.ActiveCount()
	}

	if !resp.RuntimeOK || !resp.Database {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
