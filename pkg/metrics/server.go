package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/librarian/internal/logger"
)

// StatusFunc reports the document served at /status. An error marks the
// process unhealthy on /healthz as well.
type StatusFunc func(ctx context.Context) (any, error)

// Server serves the scrape endpoint alongside liveness and status:
//   - GET /metrics: Prometheus exposition
//   - GET /healthz: "ok", or 503 when the status function fails
//   - GET /status: the status function's result as JSON
//
// Further read-only views can be mounted with Handle.
type Server struct {
	server       *http.Server
	mux          *http.ServeMux
	port         int
	status       atomic.Pointer[StatusFunc]
	shutdownOnce sync.Once
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on. Default: 9464
	Port int
}

func (c *ServerConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9464
	}
}

// NewServer builds a stopped server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	config.applyDefaults()

	mux := http.NewServeMux()
	s := &Server{port: config.Port, mux: mux}

	mux.Handle("/metrics", scrapeHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handle mounts h at pattern. Register handlers before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetStatus installs the function behind /status and /healthz. It may be
// called while serving; until then both endpoints report no status.
func (s *Server) SetStatus(fn StatusFunc) {
	s.status.Store(&fn)
}

func (s *Server) runStatus(ctx context.Context) (any, bool, error) {
	fn := s.status.Load()
	if fn == nil || *fn == nil {
		return nil, false, nil
	}
	v, err := (*fn)(ctx)
	return v, true, err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, _, err := s.runStatus(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, ok, err := s.runStatus(r.Context())
	switch {
	case !ok:
		http.Error(w, "status not available yet", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn("Failed to encode /status: %v", err)
	}
}

// Start listens on the configured port and serves until ctx is cancelled,
// then shuts down with a 5s grace period. A bind failure is returned
// immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.server.Addr, err)
	}
	logger.Info("Metrics server listening on port %d", s.port)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			logger.Error("Metrics server shutdown error: %v", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return shutdownErr
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.port
}
