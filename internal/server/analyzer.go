package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dasol-ai/datafactory/internal/analyzer"
	"github.com/dasol-ai/datafactory/internal/gpu"
)

// AnalyzerServer is the analyzer HTTP surface. It runs separately
// from the v1 API so document ingestion and analysis can be scaled
// and restarted independently.
type AnalyzerServer struct {
	analyzer *analyzer.Analyzer
	jobs     *analyzer.JobService
	gpus     *gpu.Manager
	logger   *slog.Logger
}

// NewAnalyzerServer wires the analyzer surface. gpus may be nil on
// hosts without devices; the GPU endpoints then report an empty
// inventory.
func NewAnalyzerServer(a *analyzer.Analyzer, jobSvc *analyzer.JobService, gpus *gpu.Manager, logger *slog.Logger) *AnalyzerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzerServer{analyzer: a, jobs: jobSvc, gpus: gpus, logger: logger}
}

// Router builds the analyzer route tree.
func (s *AnalyzerServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Post("/analyze", s.handleAnalyze(false))
	r.Post("/analyze/parallel", s.handleAnalyze(true))
	r.Post("/analyze/async", s.handleAnalyzeAsync(false))
	r.Post("/analyze/async/parallel", s.handleAnalyzeAsync(true))
	r.Get("/analyze/status/{jobID}", s.handleJobStatus)
	r.Get("/analyze/jobs", s.handleListJobs)
	r.Delete("/analyze/jobs/{jobID}", s.handleCancelJob)

	r.Get("/gpu/status", s.handleGPUStatus)
	r.Get("/gpu/temperatures", s.handleGPUTemperatures)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *AnalyzerServer) decodeRequest(r *http.Request, forceParallel bool) (*analyzer.Request, error) {
	var req analyzer.Request
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if forceParallel {
		req.ForceParallel = true
	}
	return &req, nil
}

func (s *AnalyzerServer) handleAnalyze(forceParallel bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeRequest(r, forceParallel)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		result, err := s.analyzer.Analyze(r.Context(), req)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *AnalyzerServer) handleAnalyzeAsync(forceParallel bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeRequest(r, forceParallel)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		jobID, err := s.jobs.Submit(r.Context(), req)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": "pending",
		})
	}
}

func (s *AnalyzerServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *AnalyzerServer) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List()})
}

func (s *AnalyzerServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(chi.URLParam(r, "jobID")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *AnalyzerServer) devices(r *http.Request) []gpu.Device {
	if s.gpus == nil {
		return nil
	}
	devices, err := s.gpus.Devices(r.Context())
	if err != nil {
		s.logger.Warn("gpu_inventory_failed", slog.String("error", err.Error()))
		return nil
	}
	return devices
}

func (s *AnalyzerServer) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.devices(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"device_count": len(devices),
		"devices":      devices,
	})
}

func (s *AnalyzerServer) handleGPUTemperatures(w http.ResponseWriter, r *http.Request) {
	type reading struct {
		Index       int     `json:"index"`
		Temperature float64 `json:"temperature_c"`
	}
	devices := s.devices(r)
	readings := make([]reading, 0, len(devices))
	for _, d := range devices {
		readings = append(readings, reading{Index: d.Index, Temperature: d.Temperature})
	}
	writeJSON(w, http.StatusOK, map[string]any{"temperatures": readings})
}

func (s *AnalyzerServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
