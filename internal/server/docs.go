package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/store"
)

// docUpsertRequest is the wire shape of one document upsert.
type docUpsertRequest struct {
	TenantID      string            `json:"tenant_id"`
	Namespace     string            `json:"namespace"`
	DocID         string            `json:"doc_id"`
	Source        string            `json:"source,omitempty"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PolicyID      string            `json:"policy_id,omitempty"`
	ChunkStrategy string            `json:"chunk_strategy,omitempty"`
	ChunkOverlap  int               `json:"chunk_overlap,omitempty"`

	// EnrichContext defaults to true when omitted.
	EnrichContext *bool `json:"enrich_context,omitempty"`
}

func (d *docUpsertRequest) toInternal() *ingest.UpsertRequest {
	enrich := true
	if d.EnrichContext != nil {
		enrich = *d.EnrichContext
	}
	return &ingest.UpsertRequest{
		TenantID:      d.TenantID,
		Namespace:     d.Namespace,
		DocID:         d.DocID,
		Text:          d.Text,
		Source:        d.Source,
		Metadata:      d.Metadata,
		PolicyID:      d.PolicyID,
		ChunkStrategy: d.ChunkStrategy,
		ChunkOverlap:  d.ChunkOverlap,
		EnrichContext: enrich,
	}
}

// upsertResponse aggregates upsert outcomes; the same shape serves
// single and batch calls.
type upsertResponse struct {
	Accepted      int    `json:"accepted"`
	UpsertedDocs  int    `json:"upserted_docs"`
	UpdatedDocs   int    `json:"updated_docs"`
	SkippedDocs   int    `json:"skipped_docs"`
	ChunksCreated int    `json:"chunks_created"`
	JobID         string `json:"job_id,omitempty"`
}

func (u *upsertResponse) add(res *ingest.UpsertResult) {
	u.Accepted++
	u.ChunksCreated += res.ChunksCreated
	switch {
	case res.Skipped:
		u.SkippedDocs++
	case res.WasUpdate:
		u.UpdatedDocs++
	default:
		u.UpsertedDocs++
	}
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req docUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	res, err := s.coordinator.Upsert(r.Context(), req.toInternal())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := upsertResponse{}
	out.add(res)
	writeJSON(w, http.StatusOK, out)
}

type batchUpsertRequest struct {
	Docs      []*docUpsertRequest `json:"docs"`
	AsyncMode bool                `json:"async_mode,omitempty"`
}

// handleUpsertBatch processes documents in order. In async mode the
// batch becomes an ingest_docs job and the caller polls the job view.
func (s *Server) handleUpsertBatch(w http.ResponseWriter, r *http.Request) {
	var req batchUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if len(req.Docs) == 0 {
		writeError(w, s.logger, dferrors.ValidationError("docs must not be empty", nil))
		return
	}

	if req.AsyncMode {
		payload := ingest.IngestDocsPayload{}
		for _, doc := range req.Docs {
			payload.Documents = append(payload.Documents, doc.toInternal())
		}
		jobID, err := s.jobs.Create(r.Context(), store.JobTypeIngestDocs, payload)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, upsertResponse{
			Accepted: len(req.Docs),
			JobID:    jobID,
		})
		return
	}

	out := upsertResponse{}
	for _, doc := range req.Docs {
		res, err := s.coordinator.Upsert(r.Context(), doc.toInternal())
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		out.add(res)
	}
	writeJSON(w, http.StatusOK, out)
}

type deleteResponse struct {
	Deleted       bool   `json:"deleted"`
	ChunksDeleted int64  `json:"chunks_deleted"`
	JobID         string `json:"job_id,omitempty"`
}

// handleDeleteDoc soft-deletes a document and enqueues a rebuild so
// the index file is compacted. Search filters the deleted chunks out
// immediately; the rebuild only reclaims space.
func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	tenant := r.URL.Query().Get("tenant_id")
	namespace := r.URL.Query().Get("namespace")
	if tenant == "" || namespace == "" {
		writeError(w, s.logger,
			dferrors.ValidationError("tenant_id and namespace query parameters are required", nil))
		return
	}

	removed, err := s.coordinator.DeleteDocument(r.Context(), tenant, namespace, docID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	jobID, err := s.jobs.Create(r.Context(), store.JobTypeRebuildIndex, ingest.RebuildRequest{
		TenantID:  tenant,
		Namespace: namespace,
		Version:   s.coordinator.EmbeddingVersion(),
	})
	if err != nil {
		// The delete already committed; report it with the queue
		// failure attached.
		s.logger.Error("rebuild_enqueue_failed",
			"doc_id", docID, "error", err.Error())
		writeJSON(w, http.StatusOK, deleteResponse{Deleted: true, ChunksDeleted: removed})
		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{
		Deleted:       true,
		ChunksDeleted: removed,
		JobID:         jobID,
	})
}
