// Package api serves the management API, status queries, health checks and
// Prometheus metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/FairForge/siterecovery/internal/failover"
	"github.com/FairForge/siterecovery/internal/metrics"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is reported by /health. It is set at build time.
var Version = "dev"

// Options wires a server to the orchestrator.
type Options struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Tracker     *protection.Tracker
	Coordinator *failover.Coordinator
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	// ReadyCheck reports whether dependencies such as the database are
	// reachable. Nil means always ready.
	ReadyCheck func(ctx context.Context) error
}

type Server struct {
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	handler    *Handler
	metrics    *metrics.Metrics
	readyCheck func(ctx context.Context) error
	startTime  time.Time
}

// NewServer creates the HTTP server
func NewServer(opts Options) (*Server, error) {
	if opts.Tracker == nil || opts.Coordinator == nil {
		return nil, fmt.Errorf("tracker and coordinator required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		logger:     opts.Logger.Named("api"),
		router:     mux.NewRouter(),
		metrics:    opts.Metrics,
		readyCheck: opts.ReadyCheck,
		startTime:  time.Now(),
	}
	s.handler = NewHandler(opts.Tracker, opts.Coordinator, s.logger)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Address,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := chi.NewRouter()
	api.Use(s.metricsMiddleware)
	s.handler.RegisterRoutes(api)
	s.router.PathPrefix("/api/").Handler(api)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("management API listening", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
		"go":      runtime.Version(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.readyCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.readyCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ready": false,
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
