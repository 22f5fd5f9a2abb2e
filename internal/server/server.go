// Package server provides the HTTP API: turn invocation over SSE,
// project and conversation management, workspace file listing, and
// the global event stream.
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

	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/logging"
	"github.com/workdeck-ai/workdeck/internal/session"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/internal/workspace"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
		// No write timeout: turn streams are open-ended.
		WriteTimeout: 0,
	}
}

// Server is the HTTP server.
type Server struct {
	config     *Config
	router     *chi.Mux
	httpSrv    *http.Server
	store      *store.Store
	sessions   *session.Manager
	workspaces *workspace.Manager
	bus        *event.Bus
	log        zerolog.Logger
}

// New creates a new Server instance.
func New(cfg *Config, st *store.Store, sessions *session.Manager, workspaces *workspace.Manager, bus *event.Bus) *Server {
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		store:      st,
		sessions:   sessions,
		workspaces: workspaces,
		bus:        bus,
		log:        logging.For("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start runs the server. Blocks until Shutdown or a listen error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.Info().Int("port", s.config.Port).Msg("listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
