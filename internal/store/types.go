// Package store persists documents, chunks, vector index metadata,
// and jobs in SQLite.
//
// Every logical operation runs in a single transaction. Reads that
// feed write decisions happen inside the same transaction as the
// write (see Store.InTx).
package store

import (
	"context"
	"time"
)

// JobType identifies what a queued job does.
type JobType string

const (
	JobTypeIngestDocs   JobType = "ingest_docs"
	JobTypeRebuildIndex JobType = "rebuild_index"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Document is an ingested source text. Documents are soft-deleted,
// never physically removed.
type Document struct {
	DocID            string
	TenantID         string
	Namespace        string
	Source           string
	DocHash          string // SHA-256 of normalized text
	Metadata         map[string]string
	PolicyID         string
	EmbeddingModelID string
	EmbeddingVersion string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Live reports whether the document has not been soft-deleted.
func (d *Document) Live() bool { return d.DeletedAt == nil }

// Chunk is one retrievable unit of a document. Tenant and namespace
// are denormalized from the owner for query locality.
type Chunk struct {
	ChunkID          string // ${doc_id}#c${ordinal:04}
	DocID            string
	TenantID         string
	Namespace        string
	ChunkHash        string // SHA-256 of raw chunk text
	Text             string
	EmbedText        string // enriched text presented to the embedder, empty when same as Text
	StartOffset      int
	EndOffset        int
	Metadata         map[string]string
	PolicyID         string
	EmbeddingModelID string
	EmbeddingVersion string
	FaissID          *int64 // position within the vector index, nil until assigned
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// EmbeddingInput returns the text presented to the embedder.
func (c *Chunk) EmbeddingInput() string {
	if c.EmbedText != "" {
		return c.EmbedText
	}
	return c.Text
}

// IndexMetadata describes one persisted vector index, keyed by
// (tenant, namespace, embedding_version).
type IndexMetadata struct {
	TenantID         string
	Namespace        string
	EmbeddingVersion string
	FaissPath        string
	NTotal           int64
	Dimension        int
	Dirty            bool
	UpdatedAt        time.Time
}

// Job is a queued unit of background work.
type Job struct {
	JobID       string
	Type        JobType
	Payload     string // opaque JSON
	Status      JobStatus
	Progress    int // 0..100
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Querier is the read/write surface shared by the store and its
// transactions. Coordinator logic is written against this interface
// so a unit of work can span multiple operations.
type Querier interface {
	GetDocument(ctx context.Context, docID string) (*Document, error)
	PutDocument(ctx context.Context, doc *Document) error

	InsertChunks(ctx context.Context, chunks []*Chunk) error
	MarkChunksDeleted(ctx context.Context, docID string) (int64, error)
	MarkDocumentDeleted(ctx context.Context, docID string) error
	LiveChunks(ctx context.Context, tenant, namespace, version string) ([]*Chunk, error)
	SetFaissID(ctx context.Context, chunkID string, faissID int64) error
	UpdateChunkEmbedding(ctx context.Context, chunkID, version, modelID string) error
	FindChunkByFaissID(ctx context.Context, tenant, namespace, version string, faissID int64) (*Chunk, error)
	ChunksByFaissIDs(ctx context.Context, tenant, namespace, version string, faissIDs []int64) (map[int64]*Chunk, error)
	ChunksByIDs(ctx context.Context, chunkIDs []string) (map[string]*Chunk, error)

	GetOrCreateIndexMetadata(ctx context.Context, tenant, namespace, version, defaultPath string, defaultDim int) (*IndexMetadata, error)
	UpdateIndexMetadata(ctx context.Context, tenant, namespace, version string, ntotal int64, dirty bool) error
	SetIndexDimension(ctx context.Context, tenant, namespace, version string, dim int) error
	MarkIndexDirty(ctx context.Context, tenant, namespace, version string) error
	DirtyIndexes(ctx context.Context) ([]*IndexMetadata, error)
	ListIndexes(ctx context.Context, tenant string) ([]*IndexMetadata, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ClaimNextJob(ctx context.Context) (*Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, jobErr string) error
	CountJobs(ctx context.Context, status JobStatus) (int64, error)
}
