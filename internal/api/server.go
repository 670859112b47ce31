// Package api exposes the FlowGuide orchestrator over HTTP.
//
// POST /chat processes one user message; the session endpoints expose stored
// state, the turn log and a replay check; /flows and /health describe the
// running engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowGuide/internal/models"
)

// Default server settings.
const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRetryAfter      = time.Second
	// MaxRequestBytes bounds a request body; a maximal message plus JSON framing fits comfortably.
	MaxRequestBytes = 64 << 10
)

// Engine is the orchestrator surface the HTTP layer needs.
type Engine interface {
	ProcessMessage(ctx context.Context, sessionID, text string) (*models.Reply, error)
	SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatus, error)
	SessionTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
	ReplaySession(ctx context.Context, sessionID string) (*models.ReplayReport, error)
	SessionStats(ctx context.Context, sessionID string) (*models.SessionStats, error)
	GlobalStats(ctx context.Context) (*models.GlobalStats, error)
	Flows() []models.FlowSummary
	Health() models.HealthStatus
}

// Opts holds server configuration.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	RetryAfter      time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithRetryAfter sets the Retry-After hint sent with retryable failures.
func WithRetryAfter(d time.Duration) Option {
	return func(o *Opts) { o.RetryAfter = d }
}

// Server serves the HTTP API.
type Server struct {
	engine          Engine
	addr            string
	shutdownTimeout time.Duration
	retryAfter      time.Duration
	mux             *http.ServeMux
}

// NewServer creates a Server for engine.
func NewServer(engine Engine, opts ...Option) *Server {
	o := Opts{Addr: ":8080", ShutdownTimeout: DefaultShutdownTimeout, RetryAfter: DefaultRetryAfter}
	for _, opt := range opts {
		opt(&o)
	}
	if o.RetryAfter < time.Second {
		o.RetryAfter = time.Second
	}
	s := &Server{
		engine:          engine,
		addr:            o.Addr,
		shutdownTimeout: o.ShutdownTimeout,
		retryAfter:      o.RetryAfter,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /chat", s.chatHandler)
	s.mux.HandleFunc("GET /sessions/{id}", s.sessionHandler)
	s.mux.HandleFunc("GET /sessions/{id}/turns", s.turnsHandler)
	s.mux.HandleFunc("GET /sessions/{id}/replay", s.replayHandler)
	s.mux.HandleFunc("GET /sessions/{id}/stats", s.sessionStatsHandler)
	s.mux.HandleFunc("GET /stats", s.globalStatsHandler)
	s.mux.HandleFunc("GET /flows", s.flowsHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully, letting in-flight turns finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Serve: shutting down", "timeout", s.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
