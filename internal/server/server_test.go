package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
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

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		var a, b float32
		for _, r := range text {
			a += float32(r % 13)
			b += float32(r % 7)
		}
		norm := float32(1)
		if a != 0 || b != 0 {
			norm = a*a + b*b
		}
		vectors[i] = []float32{a / norm, b / norm}
	}
	return vectors, nil
}

func (fakeEmbedder) Dimensions() int { return 2 }

type apiRig struct {
	server *httptest.Server
	jobs   *jobs.Service
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "factory.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	indexes, err := vecindex.NewManager(filepath.Join(dir, "indices"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexes.Close() })

	embedder := fakeEmbedder{}
	coord := ingest.NewCoordinator(st, chunk.NewDefaultRegistry(nil), indexes, embedder, nil, nil,
		"v1", "test-model", nil)

	jobSvc := jobs.NewService(st, 0, nil)
	coord.RegisterHandlers(jobSvc)

	engine := search.NewEngine(st, indexes, embedder, nil, nil, search.Config{
		DefaultVersion: "v1",
	}, nil)

	srv := New(st, coord, engine, jobSvc, indexes, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiRig{server: ts, jobs: jobSvc}
}

func (r *apiRig) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(r.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (r *apiRig) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(r.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (r *apiRig) delete(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, r.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const testDoc = "This is a test document. It has multiple sentences. " +
	"We want to test chunking and retrieval."

func upsertBody(docID, text string) map[string]any {
	return map[string]any{
		"tenant_id":      "t",
		"namespace":      "n",
		"doc_id":         docID,
		"text":           text,
		"chunk_strategy": "default",
		"enrich_context": false,
	}
}

func TestUpsertThenSearch(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.post(t, "/v1/docs/upsert", upsertBody("d1", testDoc))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var up upsertResponse
	require.NoError(t, json.Unmarshal(body, &up))
	assert.Equal(t, 1, up.Accepted)
	assert.Equal(t, 1, up.UpsertedDocs)
	assert.Equal(t, 0, up.SkippedDocs)
	assert.GreaterOrEqual(t, up.ChunksCreated, 1)

	resp, body = rig.post(t, "/v1/search", map[string]any{
		"tenant":    "t",
		"namespace": "n",
		"query":     "test document",
		"top_k":     5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var found search.Response
	require.NoError(t, json.Unmarshal(body, &found))
	require.NotEmpty(t, found.Chunks)
	for _, hit := range found.Chunks {
		assert.Equal(t, "d1", hit.DocID)
	}
}

func TestIdempotentUpsert(t *testing.T) {
	rig := newAPIRig(t)

	_, _ = rig.post(t, "/v1/docs/upsert", upsertBody("d2", "This is the same content twice."))
	resp, body := rig.post(t, "/v1/docs/upsert", upsertBody("d2", "This is the same content twice."))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var up upsertResponse
	require.NoError(t, json.Unmarshal(body, &up))
	assert.Equal(t, 1, up.SkippedDocs)
	assert.Equal(t, 0, up.UpsertedDocs)
	assert.Equal(t, 0, up.ChunksCreated)
}

func TestDeleteThenSearch(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	_, _ = rig.post(t, "/v1/docs/upsert", upsertBody("d1", testDoc))

	resp, body := rig.delete(t, "/v1/docs/d1?tenant_id=t&namespace=n")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var del deleteResponse
	require.NoError(t, json.Unmarshal(body, &del))
	assert.True(t, del.Deleted)
	assert.GreaterOrEqual(t, del.ChunksDeleted, int64(1))
	require.NotEmpty(t, del.JobID)

	// Drain the rebuild job, then verify the deleted document is gone.
	for {
		claimed, err := rig.jobs.RunOnce(ctx)
		require.NoError(t, err)
		if !claimed {
			break
		}
	}

	resp, body = rig.get(t, "/v1/jobs/"+del.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobView
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "completed", job.Status, job.Error)

	_, body = rig.post(t, "/v1/search", map[string]any{
		"tenant":    "t",
		"namespace": "n",
		"query":     "deleted document",
		"top_k":     5,
	})
	var found search.Response
	require.NoError(t, json.Unmarshal(body, &found))
	assert.Empty(t, found.Chunks)
}

func TestDeleteUnknownDocumentIs404(t *testing.T) {
	rig := newAPIRig(t)
	resp, _ := rig.delete(t, "/v1/docs/nope?tenant_id=t&namespace=n")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchUpsertAsyncEnqueuesJob(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()

	docs := make([]map[string]any, 0, 3)
	for i := 0; i < 3; i++ {
		docs = append(docs, upsertBody(fmt.Sprintf("batch-%d", i), testDoc+fmt.Sprintf(" Copy %d.", i)))
	}
	resp, body := rig.post(t, "/v1/docs/upsert/batch", map[string]any{
		"docs":       docs,
		"async_mode": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var up upsertResponse
	require.NoError(t, json.Unmarshal(body, &up))
	assert.Equal(t, 3, up.Accepted)
	require.NotEmpty(t, up.JobID)

	claimed, err := rig.jobs.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	resp, body = rig.get(t, "/v1/jobs/"+up.JobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobView
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "completed", job.Status, job.Error)
	assert.Equal(t, 100, job.Progress)
}

func TestBatchUpsertSync(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.post(t, "/v1/docs/upsert/batch", map[string]any{
		"docs": []map[string]any{
			upsertBody("s1", testDoc),
			upsertBody("s2", testDoc+" And one more sentence."),
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var up upsertResponse
	require.NoError(t, json.Unmarshal(body, &up))
	assert.Equal(t, 2, up.Accepted)
	assert.Equal(t, 2, up.UpsertedDocs)
}

func TestRebuildEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.post(t, "/v1/index/rebuild", map[string]any{
		"tenant":    "t",
		"namespace": "n",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out["job_id"])
}

func TestSearchValidation(t *testing.T) {
	rig := newAPIRig(t)
	resp, _ := rig.post(t, "/v1/search", map[string]any{"namespace": "n", "query": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEmptyIndexReturnsEmpty(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.post(t, "/v1/search", map[string]any{
		"tenant":    "t",
		"namespace": "empty",
		"query":     "anything",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found search.Response
	require.NoError(t, json.Unmarshal(body, &found))
	assert.Empty(t, found.Chunks)
}

func TestJobNotFound(t *testing.T) {
	rig := newAPIRig(t)
	resp, _ := rig.get(t, "/v1/jobs/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.get(t, "/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Checks["database"])
}

func TestIndexStats(t *testing.T) {
	rig := newAPIRig(t)
	_, _ = rig.post(t, "/v1/docs/upsert", upsertBody("d1", testDoc))

	resp, body := rig.get(t, "/v1/index/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats indexStatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, int64(1), stats.TotalIndices)
	assert.Greater(t, stats.TotalVectors, int64(0))
	require.Len(t, stats.Indices, 1)
	assert.Equal(t, "t", stats.Indices[0].Tenant)
}

func TestQueueStats(t *testing.T) {
	rig := newAPIRig(t)
	_, _ = rig.post(t, "/v1/index/rebuild", map[string]any{"tenant": "t", "namespace": "n"})

	resp, body := rig.get(t, "/v1/queue/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Pending)
}
