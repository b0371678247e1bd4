package ingest

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// RebuildRequest asks for a full index rebuild. A rebuild compacts
// deleted vectors out of the index. With Reembed set, vectors are
// recomputed from the raw chunk text and the chunks can be moved to a
// new embedding version.
type RebuildRequest struct {
	TenantID            string `json:"tenant_id"`
	Namespace           string `json:"namespace"`
	Version             string `json:"embedding_version"`
	Reembed             bool   `json:"reembed"`
	NewEmbeddingVersion string `json:"new_embedding_version,omitempty"`
}

// RebuildResult reports what the rebuild produced.
type RebuildResult struct {
	ChunksIndexed int    `json:"chunks_indexed"`
	Dimension     int    `json:"dimension"`
	TargetVersion string `json:"embedding_version"`
}

// Rebuild replaces the index for a key with a fresh one built from
// live chunks only. Chunk faiss_ids are reassigned as ordinals in
// chunk_id order, so the index and the rows stay aligned. progress
// may be nil.
func (c *Coordinator) Rebuild(ctx context.Context, req *RebuildRequest, progress func(pct int)) (*RebuildResult, error) {
	switch {
	case req.TenantID == "":
		return nil, dferrors.ValidationError("tenant_id is required", nil)
	case req.Namespace == "":
		return nil, dferrors.ValidationError("namespace is required", nil)
	}
	if req.Version == "" {
		req.Version = c.embeddingVersion
	}
	if progress == nil {
		progress = func(int) {}
	}

	targetVersion := req.Version
	if req.Reembed && req.NewEmbeddingVersion != "" {
		targetVersion = req.NewEmbeddingVersion
	}

	sourceKey := vecindex.Key{Tenant: req.TenantID, Namespace: req.Namespace, Version: req.Version}
	targetKey := vecindex.Key{Tenant: req.TenantID, Namespace: req.Namespace, Version: targetVersion}
	c.lockKeys(sourceKey, targetKey)
	defer c.unlockKeys(sourceKey, targetKey)

	chunks, err := c.store.LiveChunks(ctx, req.TenantID, req.Namespace, req.Version)
	if err != nil {
		return nil, err
	}
	progress(10)

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		if req.Reembed {
			texts[i] = ch.Text
		} else {
			texts[i] = ch.EmbeddingInput()
		}
	}
	progress(20)

	result := &RebuildResult{TargetVersion: targetVersion}

	if len(chunks) == 0 {
		// Nothing live: persist an empty index and clear the flag.
		if err := c.commitRebuild(ctx, targetKey, nil, nil, req, 0); err != nil {
			return nil, err
		}
		c.rebuildLexical(ctx, sourceKey, targetKey, nil)
		progress(100)
		c.logger.Info("index_rebuilt",
			slog.String("key", targetKey.String()),
			slog.Int("chunks", 0))
		return result, nil
	}

	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeRebuildFailed, err)
	}
	if len(vectors) != len(chunks) {
		return nil, dferrors.New(dferrors.ErrCodeRebuildFailed,
			"embedder returned wrong vector count", nil).
			WithDetail("expected", strconv.Itoa(len(chunks))).
			WithDetail("got", strconv.Itoa(len(vectors)))
	}
	progress(60)

	dim := len(vectors[0])
	if err := c.commitRebuild(ctx, targetKey, chunks, vectors, req, dim); err != nil {
		return nil, err
	}
	c.rebuildLexical(ctx, sourceKey, targetKey, chunks)
	progress(80)

	result.ChunksIndexed = len(chunks)
	result.Dimension = dim
	progress(100)

	c.logger.Info("index_rebuilt",
		slog.String("key", targetKey.String()),
		slog.Int("chunks", len(chunks)),
		slog.Int("dimension", dim),
		slog.Bool("reembed", req.Reembed))
	return result, nil
}

// commitRebuild builds the fresh index and commits the row updates and
// the index save together.
func (c *Coordinator) commitRebuild(ctx context.Context, key vecindex.Key, chunks []*store.Chunk, vectors [][]float32, req *RebuildRequest, dim int) error {
	idx := vecindex.NewFlat(dim)
	if len(vectors) > 0 {
		if _, err := idx.Add(vectors); err != nil {
			return dferrors.Wrap(dferrors.ErrCodeRebuildFailed, err)
		}
	}

	saved := false
	err := c.store.InTx(ctx, func(q store.Querier) error {
		if _, err := q.GetOrCreateIndexMetadata(ctx, key.Tenant, key.Namespace, key.Version,
			c.indexes.Path(key), dim); err != nil {
			return err
		}
		if dim > 0 {
			if err := q.SetIndexDimension(ctx, key.Tenant, key.Namespace, key.Version, dim); err != nil {
				return err
			}
		}

		reversion := req.Reembed && key.Version != req.Version
		for ordinal, ch := range chunks {
			if err := q.SetFaissID(ctx, ch.ChunkID, int64(ordinal)); err != nil {
				return err
			}
			if reversion {
				if err := q.UpdateChunkEmbedding(ctx, ch.ChunkID, key.Version, c.embeddingModelID); err != nil {
					return err
				}
			}
		}

		if err := c.indexes.Save(key, idx); err != nil {
			return err
		}
		saved = true
		return q.UpdateIndexMetadata(ctx, key.Tenant, key.Namespace, key.Version, idx.Len(), false)
	})
	if err != nil {
		if saved {
			c.indexes.Invalidate(key)
		}
		return err
	}
	return nil
}

// rebuildLexical mirrors the rebuild into the sparse index, clearing
// the source key when the chunks moved to a new embedding version.
func (c *Coordinator) rebuildLexical(ctx context.Context, source, target vecindex.Key, chunks []*store.Chunk) {
	if c.lexical == nil {
		return
	}
	if err := c.lexical.Rebuild(ctx, target, chunks); err != nil {
		c.logger.Warn("lexical_rebuild_failed",
			slog.String("key", target.String()),
			slog.String("error", err.Error()))
	}
	if source != target {
		if err := c.lexical.Rebuild(ctx, source, nil); err != nil {
			c.logger.Warn("lexical_rebuild_failed",
				slog.String("key", source.String()),
				slog.String("error", err.Error()))
		}
	}
}

// RebuildDirty rebuilds every index flagged dirty. Failures are
// logged and counted; one bad index does not stop the sweep.
func (c *Coordinator) RebuildDirty(ctx context.Context) (rebuilt, failed int, err error) {
	dirty, err := c.store.DirtyIndexes(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, meta := range dirty {
		_, rerr := c.Rebuild(ctx, &RebuildRequest{
			TenantID:  meta.TenantID,
			Namespace: meta.Namespace,
			Version:   meta.EmbeddingVersion,
		}, nil)
		if rerr != nil {
			failed++
			c.logger.Error("dirty_rebuild_failed",
				slog.String("tenant", meta.TenantID),
				slog.String("namespace", meta.Namespace),
				slog.String("error", rerr.Error()))
			continue
		}
		rebuilt++
	}
	return rebuilt, failed, nil
}

// lockKeys locks one or two key mutexes in a stable order so
// concurrent rebuilds cannot deadlock.
func (c *Coordinator) lockKeys(keys ...vecindex.Key) {
	locks := c.orderedLocks(keys)
	for _, mu := range locks {
		mu.Lock()
	}
}

func (c *Coordinator) unlockKeys(keys ...vecindex.Key) {
	locks := c.orderedLocks(keys)
	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

func (c *Coordinator) orderedLocks(keys []vecindex.Key) []*sync.Mutex {
	uniq := make(map[vecindex.Key]struct{}, len(keys))
	ordered := make([]vecindex.Key, 0, len(keys))
	for _, k := range keys {
		if _, seen := uniq[k]; !seen {
			uniq[k] = struct{}{}
			ordered = append(ordered, k)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].String() < ordered[j].String()
	})
	locks := make([]*sync.Mutex, len(ordered))
	for i, k := range ordered {
		locks[i] = c.keyLock(k)
	}
	return locks
}
