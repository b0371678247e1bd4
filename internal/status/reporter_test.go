package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterSendsWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []Update
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ai3-pipeline", r.Header.Get("X-Source"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Webhook-Secret"))

		var u Update
		require.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		mu.Lock()
		received = append(received, u)
		mu.Unlock()
	}))
	defer srv.Close()

	r := NewReporter(Config{WebhookURL: srv.URL, Secret: "s3cret", Enabled: true}, nil)

	r.Received("doc-1", "report.pdf", 1024)
	r.Embedding("doc-1", 10, 5, "BAAI/bge-m3")
	r.Completed("doc-1", 10, 2*time.Second)
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Equal(t, "ai3", received[0].Source)
	assert.Equal(t, StageReceived, received[0].Stage)
	assert.Equal(t, 0, *received[0].ProgressPct)

	// Embedding maps 5/10 onto the 50-80 band.
	assert.Equal(t, StageEmbedding, received[1].Stage)
	assert.Equal(t, 65, *received[1].ProgressPct)

	assert.Equal(t, StageCompleted, received[2].Stage)
	assert.Equal(t, 100, *received[2].ProgressPct)
}

func TestReporterDisabledSkipsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("webhook should not be called")
	}))
	defer srv.Close()

	r := NewReporter(Config{WebhookURL: srv.URL, Enabled: false}, nil)
	r.Chunking("doc-1", "legal")
	r.Close()

	// The recent cache still records the update.
	u, ok := r.Recent("doc-1")
	require.True(t, ok)
	assert.Equal(t, StageChunking, u.Stage)
	assert.Equal(t, 25, *u.ProgressPct)
}

func TestReporterOverflowDrops(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	r := NewReporter(Config{WebhookURL: srv.URL, Enabled: true, QueueSize: 1}, nil)

	// Flood well past the queue size; Emit must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Analyzing("doc-1", "llama3.1:70b")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on full queue")
	}
}

func TestReporterFailedUpdate(t *testing.T) {
	r := NewReporter(Config{Enabled: false}, nil)
	defer r.Close()

	r.Failed("doc-1", "embedding", "embedder unavailable")

	u, ok := r.Recent("doc-1")
	require.True(t, ok)
	assert.Equal(t, StageFailed, u.Stage)
	assert.Nil(t, u.ProgressPct)
	assert.Equal(t, "embedder unavailable", u.Error)
	assert.Contains(t, u.Message, "Failed at embedding")

	r.Clear("doc-1")
	_, ok = r.Recent("doc-1")
	assert.False(t, ok)
}

func TestEnrichingProgressBand(t *testing.T) {
	r := NewReporter(Config{Enabled: false}, nil)
	defer r.Close()

	r.Enriching("doc-1", 20, 0)
	u, _ := r.Recent("doc-1")
	assert.Equal(t, 30, *u.ProgressPct)

	r.Enriching("doc-1", 20, 20)
	u, _ = r.Recent("doc-1")
	assert.Equal(t, 50, *u.ProgressPct)
}
