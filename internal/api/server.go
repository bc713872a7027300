// Package api exposes the function store and invocation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/customlambda/customlambda/internal/app"
)

// Server serves the REST surface for one Service.
type Server struct {
	addr    string
	svc     *app.Service
	limiter *RateLimiter
	srv     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a Server listening on addr, e.g. "127.0.0.1:9090" or
// ":0" in tests.
func NewServer(addr string, svc *app.Service) *Server {
	cfg := svc.Config()
	return &Server{
		addr:    addr,
		svc:     svc,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.svc.Metrics().Handler())

	r.Route("/functions", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleAdd)
		r.Get("/{file}/{name}", s.handleGet)
		r.Put("/{file}/{name}", s.handleModify)
		r.Delete("/{file}/{name}", s.handleDelete)
	})
	r.With(s.limiter.Handler(s.svc)).Post("/execute/{file}/{name}", s.handleExecute)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start launches the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("api: listen: %w", err)
	}
	s.listener = ln
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.svc.Logger().Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// envelope is the body of every JSON response.
type envelope struct {
	Status  string `json:"status"` // "success" or "error"
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Status: "success", Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, envelope{Status: "error", Message: message})
}
