// Package web exposes the engine over HTTP: a JSON API for tasks,
// sessions, projects, and system status, plus an SSE stream of bus events.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/conductor/internal/core"
	"github.com/hugo-lorenzo-mato/conductor/internal/events"
	"github.com/hugo-lorenzo-mato/conductor/internal/logging"
	"github.com/hugo-lorenzo-mato/conductor/internal/web/sse"
)

// Control is the scheduler surface the API drives.
type Control interface {
	CancelTask(ctx context.Context, taskID int64) error
	ReconcileParent(ctx context.Context, parentID int64)
	BeatCount() int64
	LastBeat() time.Time
}

// Pulse is the heartbeat surface.
type Pulse interface {
	Trigger()
	Active() bool
}

// LimitSource provides the cached rate-limit verdict without probing.
type LimitSource interface {
	Cached(ctx context.Context) *core.RateLimitStatus
}

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableCORS      bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8420,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    0, // SSE connections stay open indefinitely
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"*"},
		EnableCORS:      true,
	}
}

// Server is the HTTP server for the conductor API.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     Config
	logger     *logging.Logger

	store      core.Store
	bus        *events.Bus
	control    Control
	pulse      Pulse
	limits     LimitSource
	sseHandler *sse.Handler
}

// New creates a server wired to the engine's collaborators.
func New(cfg Config, store core.Store, bus *events.Bus, control Control,
	pulse Pulse, limits LimitSource, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config:  cfg,
		logger:  logger,
		store:   store,
		bus:     bus,
		control: control,
		pulse:   pulse,
		limits:  limits,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/heartbeat", s.handleHeartbeat)
		r.Post("/heartbeat/trigger", s.handleHeartbeatTrigger)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/reorder", s.handleReorderTasks)
			// Declared before /{taskID} so the literal segment wins.
			r.Get("/latest-comments", s.handleLatestComments)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleCancelTask)
				r.Post("/status", s.handleChangeTaskStatus)
				r.Get("/subtasks", s.handleListSubtasks)
				r.Get("/comments", s.handleListComments)
				r.Post("/comments", s.handleCreateComment)
				r.Get("/sessions", s.handleListSessions)
			})
		})

		r.Get("/sessions/{sessionID}/logs", s.handleSessionLogs)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Get("/{projectID}", s.handleGetProject)
			r.Patch("/{projectID}", s.handleUpdateProject)
		})

		r.Get("/events", s.handleListEvents)
		if s.bus != nil {
			s.sseHandler = sse.NewHandler(s.bus, s.logger)
			r.Get("/events/stream", s.sseHandler.ServeHTTP)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server in a non-blocking manner.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server and its SSE clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.sseHandler != nil {
		_ = s.sseHandler.Shutdown(shutdownCtx)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the underlying chi router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
