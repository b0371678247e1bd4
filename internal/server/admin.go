package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/search"
	"github.com/dasol-ai/datafactory/internal/store"
)

type rebuildRequest struct {
	Tenant              string `json:"tenant"`
	Namespace           string `json:"namespace"`
	EmbeddingVersion    string `json:"embedding_version,omitempty"`
	Reembed             bool   `json:"reembed,omitempty"`
	NewEmbeddingVersion string `json:"new_embedding_version,omitempty"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Tenant == "" || req.Namespace == "" {
		writeError(w, s.logger,
			dferrors.ValidationError("tenant and namespace are required", nil))
		return
	}
	version := req.EmbeddingVersion
	if version == "" {
		version = s.coordinator.EmbeddingVersion()
	}

	jobID, err := s.jobs.Create(r.Context(), store.JobTypeRebuildIndex, ingest.RebuildRequest{
		TenantID:            req.Tenant,
		Namespace:           req.Namespace,
		Version:             version,
		Reembed:             req.Reembed,
		NewEmbeddingVersion: req.NewEmbeddingVersion,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// jobView is the wire shape of a job status lookup.
type jobView struct {
	JobID       string     `json:"job_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{
		JobID:       job.JobID,
		Type:        string(job.Type),
		Status:      string(job.Status),
		Progress:    job.Progress,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type indexView struct {
	Tenant           string    `json:"tenant_id"`
	Namespace        string    `json:"namespace"`
	EmbeddingVersion string    `json:"embedding_version"`
	NTotal           int64     `json:"ntotal"`
	Dimension        int       `json:"dimension"`
	Dirty            bool      `json:"dirty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type indexStatsResponse struct {
	TotalIndices int64       `json:"total_indices"`
	TotalVectors int64       `json:"total_vectors"`
	DirtyIndices int64       `json:"dirty_indices"`
	Indices      []indexView `json:"indices"`
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListIndexes(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := indexStatsResponse{Indices: make([]indexView, 0, len(metas))}
	for _, m := range metas {
		out.TotalIndices++
		out.TotalVectors += m.NTotal
		if m.Dirty {
			out.DirtyIndices++
		}
		out.Indices = append(out.Indices, indexView{
			Tenant:           m.TenantID,
			Namespace:        m.Namespace,
			EmbeddingVersion: m.EmbeddingVersion,
			NTotal:           m.NTotal,
			Dimension:        m.Dimension,
			Dirty:            m.Dirty,
			UpdatedAt:        m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	res, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth probes the database, the index directory, and the job
// queue. Any failing probe flips the overall status to degraded and
// the response to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"database":  "ok",
		"index_dir": "ok",
		"queue":     "ok",
	}
	healthy := true

	if err := s.store.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := probeDir(s.indexes.Dir()); err != nil {
		checks["index_dir"] = err.Error()
		healthy = false
	}
	if _, err := s.jobs.Stats(r.Context()); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	out := healthResponse{Status: "ok", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		out.Status = "degraded"
	}
	writeJSON(w, status, out)
}

// probeDir verifies the index directory is writable.
func probeDir(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
