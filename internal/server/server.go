// Package server exposes the relay over HTTP(S).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// RelayPath is the route of the relay endpoint.
const RelayPath = "/api/send-email"

// Config holds the configuration for an HTTP server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":3000").
	ListenAddr string

	// Relay handles POST RelayPath.
	Relay http.Handler

	// Auth guards the relay route. Health checks are not guarded.
	Auth func(http.Handler) http.Handler

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config
}

// Server is an HTTP server that routes relay requests.
type Server struct {
	config Config
	http   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new Server with the given configuration.
func New(cfg Config) *Server {
	return &Server{
		config: cfg,
		http: &http.Server{
			Handler:           NewRouter(cfg.Relay, cfg.Auth),
			TLSConfig:         cfg.TLSConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the route table.
func NewRouter(relay http.Handler, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Method(http.MethodPost, RelayPath, relay)
	})

	return r
}

// ListenAndServe starts the HTTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight requests; their contexts are cancelled after that.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	baseCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	s.http.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		cancelRequests()
		s.http.Close()
	} else {
		slog.Info("all requests completed")
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// requestLogger logs one line per request with slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			slog.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
