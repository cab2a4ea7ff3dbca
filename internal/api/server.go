// Package api serves session, link and pool status over HTTP and lets
// clients control the worker pool and submit jobs.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chaz8081/bleseq/internal/ble"
	"github.com/chaz8081/bleseq/internal/session"
	"github.com/chaz8081/bleseq/internal/store"
	"github.com/chaz8081/bleseq/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	// maxJobInput caps the body of POST /jobs.
	maxJobInput = 16 << 20
)

// SessionSource is a procedure whose live sessions can be listed.
type SessionSource interface {
	Name() string
	Sessions() []session.Snapshot
}

// LinkSource lists open peripheral links.
type LinkSource interface {
	Links() []ble.LinkInfo
}

// Pool is the worker pool surface the API controls.
type Pool interface {
	Start(ctx context.Context) error
	RequestStop()
	Submit(job *worker.Job) error
	State() worker.State
	QueueLen() int
	Completed() uint64
	Workers() int
}

// JobFactory builds a job for a submitted input.
type JobFactory func(name string, input []byte) *worker.Job

// Deps are the components the server reports on. Nil fields disable the
// routes that need them.
type Deps struct {
	Sequencers []SessionSource
	Links      LinkSource
	Pool       Pool
	NewJob     JobFactory
	Store      store.Store
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	addr   string

	// base is the context pools started over HTTP run with.
	base context.Context
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		addr:   addr,
		base:   context.Background(),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/sessions", s.handleSessions)
	s.router.Get("/links", s.handleLinks)

	s.router.Route("/pool", func(r chi.Router) {
		r.Get("/", s.handlePool)
		r.Post("/start", s.handlePoolStart)
		r.Post("/stop", s.handlePoolStop)
	})
	s.router.Post("/jobs", s.handleSubmitJob)
	s.router.Get("/jobs", s.handleJobs)

	s.router.Get("/outcomes", s.handleOutcomes)
	s.router.Get("/outcomes/{id}", s.handleGetOutcome)
	s.router.Get("/stats", s.handleStats)
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully. Pools
// started over HTTP run with ctx.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[API] listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("[API] stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
