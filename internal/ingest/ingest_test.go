package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasol-ai/datafactory/internal/chunk"
	"github.com/dasol-ai/datafactory/internal/enrich"
	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

type fakeEmbedder struct {
	calls    int
	received [][]string
	fail     bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.received = append(f.received, append([]string(nil), texts...))
	if f.fail {
		return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed, "embedder down", nil)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text)), 1}
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

type fakeEnricher struct{}

func (fakeEnricher) EnrichBatch(_ context.Context, chunks []string, meta enrich.DocMetadata) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = enrich.Prefix(ch, "test context", meta)
	}
	return out
}

type testRig struct {
	store    *store.SQLiteStore
	indexes  *vecindex.Manager
	embedder *fakeEmbedder
	coord    *Coordinator
	dir      string
}

func newTestRig(t *testing.T, enricher Enricher) *testRig {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "factory.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	indexDir := filepath.Join(dir, "indexes")
	mgr, err := vecindex.NewManager(indexDir, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	embedder := &fakeEmbedder{}
	coord := NewCoordinator(st, chunk.NewDefaultRegistry(nil), mgr, embedder, enricher, nil,
		"v1", "test-model", nil)

	return &testRig{store: st, indexes: mgr, embedder: embedder, coord: coord, dir: indexDir}
}

func upsertReq(docID, text string) *UpsertRequest {
	return &UpsertRequest{
		TenantID:  "acme",
		Namespace: "kb",
		DocID:     docID,
		Text:      text,
		Source:    "test",
	}
}

const sampleText = "The quarterly report covers revenue growth across all regions. " +
	"European sales increased by twelve percent compared to last year. " +
	"The Asia Pacific region showed the strongest performance overall. " +
	"Operating costs remained stable despite inflationary pressure. " +
	"Management expects continued growth through the next two quarters."

func TestUpsertCreatesChunksAndIndex(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	res, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.WasUpdate)
	require.Greater(t, res.ChunksCreated, 0)
	assert.NotEmpty(t, res.Strategy)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	require.Len(t, chunks, res.ChunksCreated)
	for i, ch := range chunks {
		require.NotNil(t, ch.FaissID)
		assert.Equal(t, int64(i), *ch.FaissID)
		assert.Equal(t, ChunkID("doc-1", i), ch.ChunkID)
	}

	key := vecindex.Key{Tenant: "acme", Namespace: "kb", Version: "v1"}
	_, err = os.Stat(rig.indexes.Path(key))
	require.NoError(t, err)

	metas, err := rig.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, int64(res.ChunksCreated), metas[0].NTotal)
	assert.False(t, metas[0].Dirty)
	assert.Equal(t, 2, metas[0].Dimension)
}

func TestUpsertSkipsUnchangedContent(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)
	callsAfterFirst := rig.embedder.calls

	// Formatting-only changes hash identically.
	reformatted := strings.ReplaceAll(sampleText, ". ", ".\n\n")
	res, err := rig.coord.Upsert(ctx, upsertReq("doc-1", reformatted))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, callsAfterFirst, rig.embedder.calls)
}

func TestUpsertUpdateReplacesChunksAndMarksDirty(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	first, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)

	updated := "Entirely new content after the document was revised. " +
		"None of the original sentences survive this edit."
	res, err := rig.coord.Upsert(ctx, upsertReq("doc-1", updated))
	require.NoError(t, err)
	assert.True(t, res.WasUpdate)
	require.Greater(t, res.ChunksCreated, 0)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	assert.Len(t, chunks, res.ChunksCreated)

	metas, err := rig.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].Dirty)
	// Old vectors stay in the index until a rebuild.
	assert.Equal(t, int64(first.ChunksCreated+res.ChunksCreated), metas[0].NTotal)
}

func TestUpsertValidation(t *testing.T) {
	rig := newTestRig(t, nil)

	req := upsertReq("doc-1", sampleText)
	req.TenantID = ""
	_, err := rig.coord.Upsert(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeInvalidInput, dferrors.GetCode(err))
}

func TestUpsertEmbedFailureLeavesNoRows(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.embedder.fail = true

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.Error(t, err)

	doc, err := rig.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestUpsertEnrichmentStoresEmbedText(t *testing.T) {
	rig := newTestRig(t, fakeEnricher{})
	ctx := context.Background()

	req := upsertReq("doc-1", sampleText)
	req.EnrichContext = true
	req.Metadata = map[string]string{"filename": "report.pdf"}
	_, err := rig.coord.Upsert(ctx, req)
	require.NoError(t, err)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.NotEmpty(t, ch.EmbedText)
		assert.Contains(t, ch.EmbedText, "[Context: test context]")
		assert.Contains(t, ch.EmbeddingInput(), ch.Text)
	}

	// The embedder must see the enriched form.
	require.Len(t, rig.embedder.received, 1)
	assert.Contains(t, rig.embedder.received[0][0], "[Document: report.pdf]")
}

func TestDeleteDocument(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	res, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)

	removed, err := rig.coord.DeleteDocument(ctx, "acme", "kb", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(res.ChunksCreated), removed)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	metas, err := rig.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.True(t, metas[0].Dirty)

	_, err = rig.coord.DeleteDocument(ctx, "acme", "kb", "doc-1")
	assert.Equal(t, dferrors.ErrCodeDocNotFound, dferrors.GetCode(err))
}

func TestDeleteDocumentWrongNamespace(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)

	_, err = rig.coord.DeleteDocument(ctx, "acme", "other", "doc-1")
	assert.Equal(t, dferrors.ErrCodeDocNotFound, dferrors.GetCode(err))
}

func TestRebuildCompactsDeletedVectors(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)
	second, err := rig.coord.Upsert(ctx, upsertReq("doc-2",
		"A separate document about logistics and warehouse operations. "+
			"Inventory turnover improved after the new tracking system."))
	require.NoError(t, err)

	_, err = rig.coord.DeleteDocument(ctx, "acme", "kb", "doc-1")
	require.NoError(t, err)

	var milestones []int
	res, err := rig.coord.Rebuild(ctx, &RebuildRequest{
		TenantID:  "acme",
		Namespace: "kb",
	}, func(pct int) { milestones = append(milestones, pct) })
	require.NoError(t, err)
	assert.Equal(t, second.ChunksCreated, res.ChunksIndexed)
	assert.Equal(t, "v1", res.TargetVersion)
	assert.Equal(t, []int{10, 20, 60, 80, 100}, milestones)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	require.Len(t, chunks, second.ChunksCreated)
	for i, ch := range chunks {
		require.NotNil(t, ch.FaissID)
		assert.Equal(t, int64(i), *ch.FaissID)
	}

	metas, err := rig.store.ListIndexes(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.False(t, metas[0].Dirty)
	assert.Equal(t, int64(second.ChunksCreated), metas[0].NTotal)
}

func TestRebuildReembedMovesChunksToNewVersion(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	first, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)

	res, err := rig.coord.Rebuild(ctx, &RebuildRequest{
		TenantID:            "acme",
		Namespace:           "kb",
		Version:             "v1",
		Reembed:             true,
		NewEmbeddingVersion: "v2",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", res.TargetVersion)
	assert.Equal(t, first.ChunksCreated, res.ChunksIndexed)

	moved, err := rig.store.LiveChunks(ctx, "acme", "kb", "v2")
	require.NoError(t, err)
	assert.Len(t, moved, first.ChunksCreated)

	remaining, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	key := vecindex.Key{Tenant: "acme", Namespace: "kb", Version: "v2"}
	_, err = os.Stat(rig.indexes.Path(key))
	require.NoError(t, err)
}

func TestRebuildEmptyNamespace(t *testing.T) {
	rig := newTestRig(t, nil)

	res, err := rig.coord.Rebuild(context.Background(), &RebuildRequest{
		TenantID:  "acme",
		Namespace: "empty",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunksIndexed)
}

func TestRebuildDirtySweep(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)
	_, err = rig.coord.DeleteDocument(ctx, "acme", "kb", "doc-1")
	require.NoError(t, err)

	rebuilt, failed, err := rig.coord.RebuildDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)
	assert.Equal(t, 0, failed)

	dirty, err := rig.store.DirtyIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestIngestJobHandler(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	svc := jobs.NewService(rig.store, 10*time.Millisecond, nil)
	rig.coord.RegisterHandlers(svc)

	id, err := svc.Create(ctx, store.JobTypeIngestDocs, IngestDocsPayload{
		Documents: []*UpsertRequest{
			upsertReq("doc-1", sampleText),
			upsertReq("doc-2", "Short second document about something else entirely."),
		},
	})
	require.NoError(t, err)

	worked, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	job, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	chunks, err := rig.store.LiveChunks(ctx, "acme", "kb", "v1")
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestIngestJobHandlerContinuesPastBadDocument(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	svc := jobs.NewService(rig.store, 10*time.Millisecond, nil)
	rig.coord.RegisterHandlers(svc)

	poison := upsertReq("", sampleText)
	id, err := svc.Create(ctx, store.JobTypeIngestDocs, IngestDocsPayload{
		Documents: []*UpsertRequest{
			upsertReq("doc-1", sampleText),
			poison,
			upsertReq("doc-2", "Short second document about something else entirely."),
		},
	})
	require.NoError(t, err)

	worked, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	// The bad document is recorded and skipped; the rest of the batch
	// still lands.
	job, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)

	for _, docID := range []string{"doc-1", "doc-2"} {
		doc, err := rig.store.GetDocument(ctx, docID)
		require.NoError(t, err)
		assert.NotNil(t, doc)
	}
}

func TestIngestJobHandlerFailsWhenAllDocumentsFail(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	svc := jobs.NewService(rig.store, 10*time.Millisecond, nil)
	rig.coord.RegisterHandlers(svc)

	id, err := svc.Create(ctx, store.JobTypeIngestDocs, IngestDocsPayload{
		Documents: []*UpsertRequest{
			upsertReq("", sampleText),
			upsertReq("", "Another document missing its identifier."),
		},
	})
	require.NoError(t, err)

	worked, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	job, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.Error)
}

func TestRebuildJobHandler(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.coord.Upsert(ctx, upsertReq("doc-1", sampleText))
	require.NoError(t, err)

	svc := jobs.NewService(rig.store, 10*time.Millisecond, nil)
	rig.coord.RegisterHandlers(svc)

	id, err := svc.Create(ctx, store.JobTypeRebuildIndex, RebuildRequest{
		TenantID:  "acme",
		Namespace: "kb",
		Version:   "v1",
	})
	require.NoError(t, err)

	worked, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	job, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
}

func TestNormalizeTextCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeText("  a\n\tb   c  "))
	assert.Equal(t, DocHash("a  b"), DocHash("a b"))
	assert.NotEqual(t, DocHash("a b"), DocHash("a c"))
}

func TestChunkIDFormat(t *testing.T) {
	assert.Equal(t, "doc-1#c0000", ChunkID("doc-1", 0))
	assert.Equal(t, "doc-1#c0042", ChunkID("doc-1", 42))
}
