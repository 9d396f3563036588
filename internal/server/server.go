// Package server exposes the execution engine and dispatcher over HTTP and
// WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michaelbrown/kiln/internal/config"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/observability"
	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/storage"
)

// Deps are the collaborators a Server routes requests to. Store and
// Metrics may be nil.
type Deps struct {
	Engine     *sandbox.Engine
	Dispatcher *dispatch.Dispatcher
	Store      storage.Store
	Metrics    *observability.MetricsCollector
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Server is the HTTP server for the kiln API.
type Server struct {
	cfg        config.ServerConfig
	engine     *sandbox.Engine
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	metrics    *observability.MetricsCollector
	tracer     trace.Tracer
	logger     *slog.Logger
	runs       *RunManager
	router     chi.Router
	http       *http.Server
}

// New creates a new Server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     deps.Logger,
		router:     chi.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("kiln/server")
	}
	var active activeGauge
	if s.metrics != nil {
		active = s.metrics.ActiveExecutions
	}
	s.runs = NewRunManager(active)
	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Runs returns the tracker of in-flight executions.
func (s *Server) Runs() *RunManager {
	return s.runs
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))
	r.Use(s.metrics.Middleware)
	r.Use(s.traceRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Post("/execute", s.handleExecute)
			r.Post("/call", s.handleCall)

			r.Get("/tools", s.handleListTools)
			r.Get("/tools/describe", s.handleDescribeTools)

			// History
			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{id}", s.handleGetExecution)
			r.Delete("/executions/{id}", s.handleDeleteExecution)

			// In-flight executions
			r.Get("/runs", s.handleListRuns)
			r.Delete("/runs/{id}", s.handleCancelRun)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("kiln server starting", slog.String("addr", "http://localhost"+addr))
	return s.http.ListenAndServe()
}

// Shutdown cancels in-flight executions and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.CancelAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
