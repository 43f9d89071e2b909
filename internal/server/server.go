// Package server exposes the session manager over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/duckhub/pkg/auth"
	"github.com/txn2/duckhub/pkg/health"
	"github.com/txn2/duckhub/pkg/manager"
)

// Config configures the HTTP server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	TLSCertFile string
	TLSKeyFile  string

	Manager *manager.Manager

	// Authenticator validates request credentials. Nil with
	// AllowAnonymous set runs the API open.
	Authenticator  auth.Authenticator
	AllowAnonymous bool

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	checker *health.Checker
	httpSrv *http.Server

	errCh chan error
}

// New creates a Server. The listener does not start until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server: manager is required")
	}
	if cfg.Authenticator == nil && !cfg.AllowAnonymous {
		return nil, fmt.Errorf("server: authenticator is required unless anonymous access is allowed")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		checker: health.NewChecker(),
		errCh:   make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/query", s.handleQuery)
	api.HandleFunc("POST /v1/sync", s.handleSync)
	api.HandleFunc("POST /v1/reset-cache", s.handleResetCache)
	api.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.Handle("/v1/", s.authMiddleware(api))

	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving in the background. Listener failures after startup
// surface on Err.
func (s *Server) Start(_ context.Context) error {
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()

	s.checker.SetReady()
	slog.Info("server: listening", "address", s.cfg.Address, "tls", s.cfg.TLSCertFile != "")
	return nil
}

// Err reports a listener failure after Start.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Stop drains and shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.checker.SetDraining()
	return s.httpSrv.Shutdown(ctx)
}
