package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldParallel(t *testing.T) {
	assert.False(t, ShouldParallel("small document"))
	assert.True(t, ShouldParallel(strings.Repeat("x", ParallelSizeThreshold+1)))

	var b strings.Builder
	for i := 1; i <= ParallelPageThreshold+1; i++ {
		fmt.Fprintf(&b, "[PAGE %d]\npage body\n", i)
	}
	assert.True(t, ShouldParallel(b.String()))
}

func TestSplitPagesOnMarkers(t *testing.T) {
	text := "[PAGE 1]\nfirst page\n[PAGE 2]\nsecond page\n[PAGE 3]\nthird page"
	pages := splitPages(text)
	require.Len(t, pages, 3)
	assert.Equal(t, "first page", pages[0])
	assert.Equal(t, "third page", pages[2])
}

func TestSplitPagesFallbackWindows(t *testing.T) {
	para := strings.Repeat("word ", 150) // ~750 chars
	text := strings.Join([]string{para, para, para, para, para, para}, "\n\n")
	pages := splitPages(text)
	require.Greater(t, len(pages), 1)
	for _, p := range pages {
		assert.LessOrEqual(t, len(p), fallbackPageChars+len(para)+2)
	}
}

func TestBatchPages(t *testing.T) {
	pages := make([]string, 12)
	for i := range pages {
		pages[i] = fmt.Sprintf("page %d", i)
	}
	batches := batchPages(pages)
	require.Len(t, batches, 3)
	assert.Contains(t, batches[0], "page 0")
	assert.Contains(t, batches[0], "page 4")
	assert.Contains(t, batches[2], "page 10")
}

func TestFirstBalancedJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"prose around", "Here is the result:\n{\"a\": {\"b\": 2}}\nDone.", `{"a": {"b": 2}}`},
		{"braces in strings", `{"text": "not a } closer"}`, `{"text": "not a } closer"}`},
		{"no object", "no json here", ""},
		{"unclosed", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstBalancedJSON(tt.in))
		})
	}
}

func TestDedupAppendAndMajority(t *testing.T) {
	merged := dedupAppend([]string{"Acme"}, []string{"acme", "Beta", "Gamma"}, 2)
	assert.Equal(t, []string{"Acme", "Beta"}, merged)

	votes := map[string]int{"finance": 2, "sales": 1}
	assert.Equal(t, "finance", majority(votes, "general"))
	assert.Equal(t, "general", majority(map[string]int{}, "general"))
}

type staticDevices []int

func (d staticDevices) UsableDevices(context.Context) []int { return d }

// throttledDevices reports no usable devices until asked to wait, then
// hands out a single device.
type throttledDevices struct {
	device  int
	waits   int
	waitErr error
}

func (d *throttledDevices) UsableDevices(context.Context) []int { return nil }

func (d *throttledDevices) AwaitUsableDevice(context.Context, time.Duration) (int, error) {
	d.waits++
	return d.device, d.waitErr
}

// newBatchEndpoint serves the /api/chat shape the fan-out expects and
// returns host and port for ParallelConfig.
func newBatchEndpoint(t *testing.T, handler http.HandlerFunc) (string, int) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(chatResponse{
		Message: chatMessage{Role: "assistant", Content: content},
	})
	require.NoError(t, err)
}

func pagedDocument(pages int) string {
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		fmt.Fprintf(&b, "[PAGE %d]\nInhoud van pagina %d over de jaarrekening.\n", i, i)
	}
	return b.String()
}

func TestParallelAnalyzeAggregates(t *testing.T) {
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		chatReply(t, w, `Sure! {"entities":["Acme"],"topics":["jaarrekening"],`+
			`"domain":"finance","document_type":"annual_report_pdf","has_tables":true}`)
	})

	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, staticDevices{0, 1}, nil, nil)

	result, err := p.Analyze(context.Background(), &Request{
		Document: pagedDocument(30),
		Filename: "big.pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "annual_report_pdf", result.DocumentType)
	assert.True(t, result.HasTables)
	assert.Equal(t, []string{"Acme"}, result.MainEntities)
	assert.Equal(t, []string{"jaarrekening"}, result.MainTopics)
	assert.Equal(t, "finance", result.Extra["domain"])
	assert.Equal(t, "true", result.Extra["parallel_analysis"])

	processed, err := strconv.Atoi(result.Extra["batches_processed"])
	require.NoError(t, err)
	assert.Equal(t, 6, processed) // 30 pages, 5 per batch
}

func TestParallelAnalyzeMajorityFailure(t *testing.T) {
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})

	cleanups := 0
	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, nil, nil, nil)
	p.CleanupFunc = func(context.Context) error {
		cleanups++
		return nil
	}

	_, err := p.Analyze(context.Background(), &Request{Document: pagedDocument(20)})
	require.Error(t, err)
	assert.Equal(t, 1, cleanups)
}

func TestParallelAnalyzeToleratesMinorityFailure(t *testing.T) {
	var calls int
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		chatReply(t, w, `{"entities":[],"topics":[],"domain":"general","document_type":"generic","has_tables":false}`)
	})

	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, staticDevices{0}, nil, nil)

	result, err := p.Analyze(context.Background(), &Request{Document: pagedDocument(25)})
	require.NoError(t, err)
	assert.Contains(t, result.Extra, "batch_errors")
	assert.Equal(t, "4", result.Extra["batches_processed"])
}

func TestParallelAnalyzeWaitsOutHotDevices(t *testing.T) {
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"entities":[],"topics":[],"domain":"general","document_type":"generic","has_tables":false}`)
	})

	source := &throttledDevices{device: 0}
	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, source, nil, nil)

	result, err := p.Analyze(context.Background(), &Request{Document: pagedDocument(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, source.waits)
	assert.Equal(t, "2", result.Extra["batches_processed"])
}

func TestParallelAnalyzeCooldownFailureFallsBack(t *testing.T) {
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"entities":[],"topics":[],"domain":"general","document_type":"generic","has_tables":false}`)
	})

	source := &throttledDevices{device: 3, waitErr: assert.AnError}
	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, source, nil, nil)

	// A failed wait pins the default device instead of aborting.
	result, err := p.Analyze(context.Background(), &Request{Document: pagedDocument(10)})
	require.NoError(t, err)
	assert.Equal(t, 1, source.waits)
	assert.Equal(t, "2", result.Extra["batches_processed"])
}

func TestParallelAnalyzeUsesPhaseLock(t *testing.T) {
	host, port := newBatchEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"entities":[],"topics":[],"domain":"general","document_type":"generic","has_tables":false}`)
	})

	var locked int
	p := NewParallel(ParallelConfig{
		Host:         host,
		BasePort:     port,
		NumEndpoints: 1,
		Timeout:      5 * time.Second,
	}, nil, nil, nil)
	p.LockFunc = func(ctx context.Context, docID string, fn func() error) error {
		locked++
		return fn()
	}

	_, err := p.Analyze(context.Background(), &Request{Document: pagedDocument(10)})
	require.NoError(t, err)
	assert.Equal(t, 2, locked) // 10 pages, 5 per batch
}
