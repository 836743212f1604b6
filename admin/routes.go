package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ripel-io/ripel/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/position", h.handlePosition)
	r.Get("/breakers", h.handleBreakers)
	r.Get("/pipeline", h.handlePipeline)

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/spool", func(r chi.Router) {
		r.Use(AuthMiddleware(h.Secret))
		r.Get("/", h.handleSpool)
		r.Post("/drain", h.handleSpoolDrain)
	})

	return r
}

// Server is the admin HTTP listener
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer creates a server for handler on address
func NewServer(address string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              address,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Admin endpoints enabled at /health, /ready, /metrics, /position, /breakers")
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the listener and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
