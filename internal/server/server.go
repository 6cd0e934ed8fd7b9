// Package server provides the HTTP audit and status API: checkpoint and
// transition history by version/time, portfolio state, update-cycle
// history, and a manual update trigger.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Server is the HTTP server wrapping the audit API.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	handlers *Handlers
	log      zerolog.Logger
}

// New creates the server on the given port.
func New(port int, devMode bool, handlers *Handlers, log zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handlers: handlers,
		log:      log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(devMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if devMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handlers.Health)
		r.Get("/portfolio", s.handlers.Portfolio)
		r.Get("/checkpoints", s.handlers.ListCheckpoints)
		r.Get("/checkpoints/{versionID}", s.handlers.GetCheckpoint)
		r.Get("/transitions", s.handlers.ListTransitions)
		r.Get("/cycles", s.handlers.ListCycles)
		r.Post("/update/trigger", s.handlers.TriggerUpdate)
	})
}

// Start begins serving; it returns when the listener stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for httptest-based tests.
func (s *Server) Router() http.Handler { return s.router }
