// Package integration tests the full flow from ingestion to hybrid
// search to verify the components work together.
package integration

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasol-ai/datafactory/internal/chunk"
	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/search"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// hashEmbedder maps character frequencies into a small normalized
// vector, so similar texts get similar embeddings without a model.
type hashEmbedder struct{ dim int }

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, h.dim)
		for _, r := range text {
			v[int(r)%h.dim]++
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range v {
				v[j] *= scale
			}
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimensions() int { return h.dim }

type pipeline struct {
	store   *store.SQLiteStore
	indexes *vecindex.Manager
	lexical *search.BM25Sidecar
	coord   *ingest.Coordinator
	engine  *search.Engine
	jobs    *jobs.Service
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "factory.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	indexes, err := vecindex.NewManager(filepath.Join(dir, "indices"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexes.Close() })

	lexical := search.NewBM25Sidecar(filepath.Join(dir, "bm25"), nil)
	t.Cleanup(func() { _ = lexical.Close() })

	embedder := &hashEmbedder{dim: 16}
	coord := ingest.NewCoordinator(st, chunk.NewDefaultRegistry(nil), indexes,
		embedder, nil, nil, "v1", "test-model", nil)
	coord.SetLexical(lexical)

	svc := jobs.NewService(st, 0, nil)
	coord.RegisterHandlers(svc)

	engine := search.NewEngine(st, indexes, embedder, lexical, nil, search.Config{
		DefaultVersion: "v1",
		FusionWeights:  search.Weights{Dense: 0.7, Sparse: 0.3},
		RRFConstant:    60,
	}, nil)

	return &pipeline{store: st, indexes: indexes, lexical: lexical,
		coord: coord, engine: engine, jobs: svc}
}

func (p *pipeline) upsert(t *testing.T, tenant, docID, text string) {
	t.Helper()
	_, err := p.coord.Upsert(context.Background(), &ingest.UpsertRequest{
		TenantID:  tenant,
		Namespace: "kb",
		DocID:     docID,
		Text:      text,
		Source:    "test",
	})
	require.NoError(t, err)
}

func (p *pipeline) drainJobs(t *testing.T) {
	t.Helper()
	for {
		worked, err := p.jobs.RunOnce(context.Background())
		require.NoError(t, err)
		if !worked {
			return
		}
	}
}

const invoiceText = "Invoice 2024-001 covers consulting services rendered in March. " +
	"The total amount due is 4200 euro, payable within thirty days. " +
	"Late payments accrue statutory interest."

const menuText = "The lunch menu offers tomato soup, a grilled cheese sandwich " +
	"and the fish of the day. Desserts include apple pie and vanilla ice cream."

const reportText = "The quarterly report shows revenue growth in all regions. " +
	"European sales increased twelve percent year over year. " +
	"Operating costs remained stable despite inflation."

func TestPipelineIngestThenHybridSearch(t *testing.T) {
	p := newPipeline(t)

	p.upsert(t, "acme", "doc-invoice", invoiceText)
	p.upsert(t, "acme", "doc-menu", menuText)
	p.upsert(t, "acme", "doc-report", reportText)

	resp, err := p.engine.Search(context.Background(), &search.Request{
		Tenant:    "acme",
		Namespace: "kb",
		Query:     "consulting invoice amount due",
		TopK:      3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Chunks)

	// The exact-term BM25 list pushes the invoice chunk to the top.
	assert.Equal(t, "doc-invoice", resp.Chunks[0].DocID)
}

func TestPipelineBatchIngestThroughQueue(t *testing.T) {
	p := newPipeline(t)

	jobID, err := p.jobs.Create(context.Background(), store.JobTypeIngestDocs,
		ingest.IngestDocsPayload{Documents: []*ingest.UpsertRequest{
			{TenantID: "acme", Namespace: "kb", DocID: "a", Text: invoiceText, Source: "test"},
			{TenantID: "acme", Namespace: "kb", DocID: "b", Text: reportText, Source: "test"},
		}})
	require.NoError(t, err)

	p.drainJobs(t)

	job, err := p.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	resp, err := p.engine.Search(context.Background(), &search.Request{
		Tenant: "acme", Namespace: "kb", Query: "revenue growth report", TopK: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Chunks)
}

func TestPipelineDeleteThenRebuildDirty(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.upsert(t, "acme", "doc-invoice", invoiceText)
	p.upsert(t, "acme", "doc-report", reportText)

	removed, err := p.coord.DeleteDocument(ctx, "acme", "kb", "doc-invoice")
	require.NoError(t, err)
	assert.Positive(t, removed)

	// Deleted chunks never come back, even before the rebuild.
	resp, err := p.engine.Search(ctx, &search.Request{
		Tenant: "acme", Namespace: "kb", Query: "consulting invoice amount due", TopK: 5,
	})
	require.NoError(t, err)
	for _, hit := range resp.Chunks {
		assert.NotEqual(t, "doc-invoice", hit.DocID)
	}

	metas, err := p.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].Dirty)

	rebuilt, failed, err := p.coord.RebuildDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)
	assert.Zero(t, failed)

	metas, err = p.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, metas[0].Dirty)
}

func TestPipelineReembedIntoNewVersion(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.upsert(t, "acme", "doc-report", reportText)

	jobID, err := p.jobs.Create(ctx, store.JobTypeRebuildIndex, ingest.RebuildRequest{
		TenantID:            "acme",
		Namespace:           "kb",
		Version:             "v1",
		Reembed:             true,
		NewEmbeddingVersion: "v2",
	})
	require.NoError(t, err)
	p.drainJobs(t)

	job, err := p.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusCompleted, job.Status, job.Error)

	resp, err := p.engine.Search(ctx, &search.Request{
		Tenant:           "acme",
		Namespace:        "kb",
		Query:            "revenue growth report",
		TopK:             3,
		EmbeddingVersion: "v2",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Chunks)
}

func TestPipelineTenantIsolation(t *testing.T) {
	p := newPipeline(t)

	p.upsert(t, "acme", "doc-report", reportText)
	p.upsert(t, "globex", "doc-report", reportText)

	resp, err := p.engine.Search(context.Background(), &search.Request{
		Tenant: "acme", Namespace: "kb", Query: "revenue growth", TopK: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Chunks)

	ctx := context.Background()
	ids := make([]string, 0, len(resp.Chunks))
	for _, hit := range resp.Chunks {
		ids = append(ids, hit.ChunkID)
	}
	rows, err := p.store.ChunksByIDs(ctx, ids)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, "acme", row.TenantID)
	}
}

func TestPipelineConcurrentSearchesNoRace(t *testing.T) {
	p := newPipeline(t)

	p.upsert(t, "acme", "doc-invoice", invoiceText)
	p.upsert(t, "acme", "doc-report", reportText)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.engine.Search(context.Background(), &search.Request{
				Tenant: "acme", Namespace: "kb", Query: "revenue invoice", TopK: 3,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
