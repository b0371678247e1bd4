// Package server exposes the HTTP surfaces of the service: the v1
// document/search API and the analyzer API. Routing is chi; handlers
// translate between JSON bodies and the internal services and map
// structured errors onto HTTP status codes.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/search"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// Server is the v1 API surface.
type Server struct {
	store       *store.SQLiteStore
	coordinator *ingest.Coordinator
	engine      *search.Engine
	jobs        *jobs.Service
	indexes     *vecindex.Manager
	logger      *slog.Logger
}

// New wires the v1 API handlers.
func New(st *store.SQLiteStore, coordinator *ingest.Coordinator, engine *search.Engine, jobSvc *jobs.Service, indexes *vecindex.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       st,
		coordinator: coordinator,
		engine:      engine,
		jobs:        jobSvc,
		indexes:     indexes,
		logger:      logger,
	}
}

// Router builds the v1 route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/docs/upsert", s.handleUpsert)
		r.Post("/docs/upsert/batch", s.handleUpsertBatch)
		r.Delete("/docs/{docID}", s.handleDeleteDoc)

		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/index/stats", s.handleIndexStats)

		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/queue/stats", s.handleQueueStats)

		r.Post("/search", s.handleSearch)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
