package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/store"
)

// IngestDocsPayload is the payload of an ingest_docs job.
type IngestDocsPayload struct {
	Documents []*UpsertRequest `json:"documents"`
}

// IngestDocsResult summarizes a batch ingestion job.
type IngestDocsResult struct {
	Upserted int              `json:"upserted"`
	Updated  int              `json:"updated"`
	Skipped  int              `json:"skipped"`
	Failed   []*DocumentError `json:"failed,omitempty"`
}

// DocumentError records one document that could not be ingested.
type DocumentError struct {
	DocID string `json:"doc_id"`
	Index int    `json:"document_index"`
	Error string `json:"error"`
}

// RegisterHandlers binds the coordinator's job handlers to the queue
// worker.
func (c *Coordinator) RegisterHandlers(svc *jobs.Service) {
	svc.Register(store.JobTypeIngestDocs, c.handleIngestDocs)
	svc.Register(store.JobTypeRebuildIndex, c.handleRebuildIndex)
}

// handleIngestDocs upserts each document in order. A bad document is
// recorded and skipped rather than aborting the batch; the job fails
// only when no document made it through. Documents committed before a
// failure stay committed.
func (c *Coordinator) handleIngestDocs(ctx context.Context, job *store.Job, progress func(pct int)) error {
	var payload IngestDocsPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return dferrors.New(dferrors.ErrCodeInvalidInput, "malformed ingest payload", err)
	}
	if len(payload.Documents) == 0 {
		return dferrors.ValidationError("ingest payload has no documents", nil)
	}

	result := IngestDocsResult{}
	var lastErr error
	for i, req := range payload.Documents {
		res, err := c.Upsert(ctx, req)
		if err != nil {
			c.logger.Warn("ingest_doc_failed",
				slog.String("job_id", job.JobID),
				slog.String("doc_id", req.DocID),
				slog.Int("document_index", i),
				slog.String("error", err.Error()))
			result.Failed = append(result.Failed, &DocumentError{
				DocID: req.DocID,
				Index: i,
				Error: err.Error(),
			})
			lastErr = err
		} else {
			switch {
			case res.Skipped:
				result.Skipped++
			case res.WasUpdate:
				result.Updated++
			default:
				result.Upserted++
			}
		}
		progress((i + 1) * 100 / len(payload.Documents))
	}

	if len(result.Failed) == len(payload.Documents) {
		return dferrors.Wrap(dferrors.GetCode(lastErr), lastErr).
			WithDetail("failed_documents", strconv.Itoa(len(result.Failed)))
	}

	c.logger.Info("ingest_job_done",
		slog.String("job_id", job.JobID),
		slog.Int("upserted", result.Upserted),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", len(result.Failed)))
	return nil
}

func (c *Coordinator) handleRebuildIndex(ctx context.Context, job *store.Job, progress func(pct int)) error {
	var req RebuildRequest
	if err := json.Unmarshal([]byte(job.Payload), &req); err != nil {
		return dferrors.New(dferrors.ErrCodeInvalidInput, "malformed rebuild payload", err)
	}
	_, err := c.Rebuild(ctx, &req, progress)
	return err
}
