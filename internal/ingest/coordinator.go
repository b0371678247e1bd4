package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dasol-ai/datafactory/internal/chunk"
	"github.com/dasol-ai/datafactory/internal/enrich"
	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/status"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// Embedder is the slice of the embedding surface the coordinator
// needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Enricher builds enriched embedding inputs for a batch of chunks.
type Enricher interface {
	EnrichBatch(ctx context.Context, chunks []string, meta enrich.DocMetadata) []string
}

// Lexical mirrors the chunk lifecycle into a sparse index for hybrid
// search. Updates are best effort; search degrades to dense-only when
// the sidecar lags.
type Lexical interface {
	IndexChunks(ctx context.Context, key vecindex.Key, chunks []*store.Chunk) error
	DeleteChunks(ctx context.Context, key vecindex.Key, chunkIDs []string) error
	Rebuild(ctx context.Context, key vecindex.Key, chunks []*store.Chunk) error
}

// UpsertRequest is one document ingestion request.
type UpsertRequest struct {
	TenantID      string
	Namespace     string
	DocID         string
	Text          string
	Source        string
	Metadata      map[string]string
	PolicyID      string
	ChunkStrategy string
	ChunkOverlap  int
	EnrichContext bool
}

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	ChunksCreated int    `json:"chunks_created"`
	WasUpdate     bool   `json:"was_update"`
	Skipped       bool   `json:"skipped"`
	Strategy      string `json:"chunk_strategy,omitempty"`
}

// Coordinator runs the upsert and rebuild flows. Work on one index
// key is serialized in-process by a per-key mutex; cross-process
// safety comes from the atomic index save plus metadata verification.
type Coordinator struct {
	store    *store.SQLiteStore
	registry *chunk.Registry
	indexes  *vecindex.Manager
	embedder Embedder
	enricher Enricher
	lexical  Lexical
	reporter *status.Reporter
	logger   *slog.Logger

	// Version and model recorded on new documents and chunks.
	embeddingVersion string
	embeddingModelID string

	keysMu sync.Mutex
	keys   map[vecindex.Key]*sync.Mutex
}

// NewCoordinator wires the coordinator. enricher and reporter may be
// nil.
func NewCoordinator(
	st *store.SQLiteStore,
	registry *chunk.Registry,
	indexes *vecindex.Manager,
	embedder Embedder,
	enricher Enricher,
	reporter *status.Reporter,
	embeddingVersion, embeddingModelID string,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:            st,
		registry:         registry,
		indexes:          indexes,
		embedder:         embedder,
		enricher:         enricher,
		reporter:         reporter,
		logger:           logger,
		embeddingVersion: embeddingVersion,
		embeddingModelID: embeddingModelID,
		keys:             make(map[vecindex.Key]*sync.Mutex),
	}
}

// SetLexical attaches a sparse index mirror. Must be called before
// the coordinator starts serving.
func (c *Coordinator) SetLexical(lexical Lexical) { c.lexical = lexical }

// syncLexical applies a committed chunk change to the sparse mirror.
// Failures only warn; the dense path is the source of truth.
func (c *Coordinator) syncLexical(ctx context.Context, key vecindex.Key, added []*store.Chunk, removedIDs []string) {
	if c.lexical == nil {
		return
	}
	if len(removedIDs) > 0 {
		if err := c.lexical.DeleteChunks(ctx, key, removedIDs); err != nil {
			c.logger.Warn("lexical_delete_failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		}
	}
	if len(added) > 0 {
		if err := c.lexical.IndexChunks(ctx, key, added); err != nil {
			c.logger.Warn("lexical_index_failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()))
		}
	}
}

// keyLock returns the mutex serializing writes to one index key.
func (c *Coordinator) keyLock(key vecindex.Key) *sync.Mutex {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	mu, ok := c.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		c.keys[key] = mu
	}
	return mu
}

func (c *Coordinator) validate(req *UpsertRequest) error {
	switch {
	case req.TenantID == "":
		return dferrors.ValidationError("tenant_id is required", nil)
	case req.Namespace == "":
		return dferrors.ValidationError("namespace is required", nil)
	case req.DocID == "":
		return dferrors.ValidationError("doc_id is required", nil)
	}
	return nil
}

// Upsert ingests one document: dedupe by content hash, chunk, enrich,
// embed, and commit chunk rows together with the index append.
func (c *Coordinator) Upsert(ctx context.Context, req *UpsertRequest) (*UpsertResult, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	key := vecindex.Key{Tenant: req.TenantID, Namespace: req.Namespace, Version: c.embeddingVersion}
	mu := c.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	result, err := c.upsertLocked(ctx, req, key)
	if err != nil {
		if c.reporter != nil {
			c.reporter.Failed(req.DocID, "processing", err.Error())
		}
		return nil, err
	}

	if c.reporter != nil && !result.Skipped {
		c.reporter.Completed(req.DocID, result.ChunksCreated, time.Since(start))
	}
	return result, nil
}

func (c *Coordinator) upsertLocked(ctx context.Context, req *UpsertRequest, key vecindex.Key) (*UpsertResult, error) {
	docHash := DocHash(req.Text)
	now := time.Now().UTC()

	existing, err := c.store.GetDocument(ctx, req.DocID)
	if err != nil {
		return nil, err
	}
	// Identical live content is a no-op.
	if existing != nil && existing.Live() && existing.DocHash == docHash {
		c.logger.Debug("upsert_skipped_unchanged",
			slog.String("doc_id", req.DocID),
			slog.String("doc_hash", docHash))
		return &UpsertResult{Skipped: true}, nil
	}
	wasUpdate := existing != nil && existing.Live()

	// Chunk, enrich, and embed before opening the write transaction.
	if c.reporter != nil {
		c.reporter.Chunking(req.DocID, req.ChunkStrategy)
	}
	texts, strategy, err := c.registry.Chunk(req.Text, chunk.Options{
		Strategy: req.ChunkStrategy,
		Config:   chunk.Config{Overlap: req.ChunkOverlap},
		Metadata: chunk.Metadata(req.Metadata),
	})
	if err != nil {
		return nil, err
	}

	embedTexts := texts
	if len(texts) > 0 && req.EnrichContext && c.enricher != nil {
		if c.reporter != nil {
			c.reporter.Enriching(req.DocID, len(texts), 0)
		}
		embedTexts = c.enricher.EnrichBatch(ctx, texts, docMetadata(req.Metadata))
	}

	var vectors [][]float32
	if len(texts) > 0 {
		if c.reporter != nil {
			c.reporter.Embedding(req.DocID, len(texts), 0, c.embeddingModelID)
		}
		vectors, err = c.embedder.EmbedBatch(ctx, embedTexts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
				"embedder returned wrong vector count", nil).
				WithDetail("expected", strconv.Itoa(len(texts))).
				WithDetail("got", strconv.Itoa(len(vectors)))
		}
	}

	doc := &store.Document{
		DocID:            req.DocID,
		TenantID:         req.TenantID,
		Namespace:        req.Namespace,
		Source:           req.Source,
		DocHash:          docHash,
		Metadata:         req.Metadata,
		PolicyID:         req.PolicyID,
		EmbeddingModelID: c.embeddingModelID,
		EmbeddingVersion: c.embeddingVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		doc.CreatedAt = existing.CreatedAt
	}

	if c.reporter != nil && len(texts) > 0 {
		c.reporter.Storing(req.DocID, len(texts))
	}

	result := &UpsertResult{WasUpdate: wasUpdate, Strategy: strategy}
	indexTouched := false
	var chunks []*store.Chunk
	var removedOld int64

	err = c.store.InTx(ctx, func(q store.Querier) error {
		if wasUpdate {
			if removedOld, err = q.MarkChunksDeleted(ctx, req.DocID); err != nil {
				return err
			}
			if err := q.MarkIndexDirty(ctx, key.Tenant, key.Namespace, key.Version); err != nil {
				return err
			}
		}
		if err := q.PutDocument(ctx, doc); err != nil {
			return err
		}
		if len(texts) == 0 {
			return nil
		}

		dim := len(vectors[0])
		meta, err := q.GetOrCreateIndexMetadata(ctx, key.Tenant, key.Namespace, key.Version,
			c.indexes.Path(key), dim)
		if err != nil {
			return err
		}
		if meta.Dimension == 0 {
			if err := q.SetIndexDimension(ctx, key.Tenant, key.Namespace, key.Version, dim); err != nil {
				return err
			}
		} else if meta.Dimension != dim {
			return dferrors.New(dferrors.ErrCodeDimensionMismatch,
				"embedding dimension does not match the persisted index", nil).
				WithDetail("index_dimension", strconv.Itoa(meta.Dimension)).
				WithDetail("vector_dimension", strconv.Itoa(dim))
		}

		chunks = make([]*store.Chunk, len(texts))
		offset := 0
		for i, text := range texts {
			chunks[i] = &store.Chunk{
				ChunkID:          ChunkID(req.DocID, i),
				DocID:            req.DocID,
				TenantID:         req.TenantID,
				Namespace:        req.Namespace,
				ChunkHash:        ChunkHash(text),
				Text:             text,
				StartOffset:      offset,
				EndOffset:        offset + len(text),
				Metadata:         req.Metadata,
				PolicyID:         req.PolicyID,
				EmbeddingModelID: c.embeddingModelID,
				EmbeddingVersion: c.embeddingVersion,
				CreatedAt:        now,
			}
			// Store the enriched form only when it differs.
			if embedTexts[i] != text {
				chunks[i].EmbedText = embedTexts[i]
			}
			offset += len(text)
		}
		if err := q.InsertChunks(ctx, chunks); err != nil {
			return err
		}

		idx, err := c.indexes.Load(key, dim)
		if err != nil {
			return err
		}
		faissIDs, err := idx.Add(vectors)
		if err != nil {
			return err
		}
		indexTouched = true
		for i, chunkRow := range chunks {
			if err := q.SetFaissID(ctx, chunkRow.ChunkID, faissIDs[i]); err != nil {
				return err
			}
		}

		if err := c.indexes.Save(key, idx); err != nil {
			return err
		}
		// An update leaves dead vectors behind, so the dirty flag set
		// above must survive this write.
		if err := q.UpdateIndexMetadata(ctx, key.Tenant, key.Namespace, key.Version,
			idx.Len(), meta.Dirty || wasUpdate); err != nil {
			return err
		}

		result.ChunksCreated = len(chunks)
		return nil
	})
	if err != nil {
		// The cached index may hold uncommitted vectors; force a
		// reload from disk.
		if indexTouched {
			c.indexes.Invalidate(key)
		}
		return nil, err
	}

	var removedIDs []string
	for i := int64(0); i < removedOld; i++ {
		removedIDs = append(removedIDs, ChunkID(req.DocID, int(i)))
	}
	c.syncLexical(ctx, key, chunks, removedIDs)

	c.logger.Info("document_upserted",
		slog.String("doc_id", req.DocID),
		slog.String("tenant", req.TenantID),
		slog.String("namespace", req.Namespace),
		slog.String("strategy", strategy),
		slog.Int("chunks", result.ChunksCreated),
		slog.Bool("was_update", result.WasUpdate))
	return result, nil
}

// DeleteDocument soft-deletes a document and its chunks and flags the
// index dirty for rebuild.
func (c *Coordinator) DeleteDocument(ctx context.Context, tenant, namespace, docID string) (int64, error) {
	key := vecindex.Key{Tenant: tenant, Namespace: namespace, Version: c.embeddingVersion}
	mu := c.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	var removed int64
	err := c.store.InTx(ctx, func(q store.Querier) error {
		doc, err := q.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc == nil || !doc.Live() {
			return dferrors.NotFoundError(dferrors.ErrCodeDocNotFound, "document not found").
				WithDetail("doc_id", docID)
		}
		if doc.TenantID != tenant || doc.Namespace != namespace {
			return dferrors.NotFoundError(dferrors.ErrCodeDocNotFound, "document not found in namespace").
				WithDetail("doc_id", docID)
		}

		removed, err = q.MarkChunksDeleted(ctx, docID)
		if err != nil {
			return err
		}
		if err := q.MarkDocumentDeleted(ctx, docID); err != nil {
			return err
		}
		return q.MarkIndexDirty(ctx, tenant, namespace, c.embeddingVersion)
	})
	if err != nil {
		return 0, err
	}

	removedIDs := make([]string, removed)
	for i := range removedIDs {
		removedIDs[i] = ChunkID(docID, i)
	}
	c.syncLexical(ctx, key, nil, removedIDs)

	c.logger.Info("document_deleted",
		slog.String("doc_id", docID),
		slog.Int64("chunks_removed", removed))
	return removed, nil
}

// EmbeddingVersion returns the service default embedding version.
func (c *Coordinator) EmbeddingVersion() string { return c.embeddingVersion }

func docMetadata(meta map[string]string) enrich.DocMetadata {
	dm := enrich.DocMetadata{
		Filename:     meta["filename"],
		DocumentType: meta["document_type"],
	}
	if topics := meta["main_topics"]; topics != "" {
		dm.MainTopics = splitList(topics)
	}
	if entities := meta["main_entities"]; entities != "" {
		dm.MainEntities = splitList(entities)
	}
	return dm
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
