package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeHeuristicOnly(t *testing.T) {
	a := NewAnalyzer(Config{Enabled: false}, nil, nil, nil)
	result, err := a.Analyze(context.Background(), &Request{
		Document: "User: wat is de status?\nAssistant: alles loopt volgens plan.",
	})
	require.NoError(t, err)
	assert.Equal(t, "chatlog", result.DocumentType)
	assert.Equal(t, "conversation_turns", result.SuggestedChunkStrategy)
	assert.Equal(t, "heuristic_fallback", result.Extra["llm_notes"])
}

func TestAnalyzeLLMEnrichment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(generateResponse{
			Response: `{"document_type":"offer_doc","domain":"sales",` +
				`"main_entities":["Acme"],"main_topics":["levering"],"has_tables":false,"format":"pdf"}`,
		})
	}))
	defer ts.Close()

	a := NewAnalyzer(Config{
		Enabled: true,
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
	}, nil, nil, nil)

	result, err := a.Analyze(context.Background(), &Request{
		Document: "Gewone tekst zonder duidelijke structuur.",
		Filename: "aanbod.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "offer_doc", result.DocumentType)
	assert.Equal(t, "semantic_sections", result.SuggestedChunkStrategy)
	assert.Equal(t, []string{"Acme"}, result.MainEntities)
	assert.Equal(t, "sales", result.Extra["domain_llm"])
	assert.Equal(t, "llm", result.Extra["llm_notes"])
}

func TestAnalyzeLLMFailureFallsBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	a := NewAnalyzer(Config{
		Enabled: true,
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
	}, nil, nil, nil)

	result, err := a.Analyze(context.Background(), &Request{
		Document: "Review by John: uitstekende service, vijf sterren.",
	})
	require.NoError(t, err)
	assert.Equal(t, "review_doc", result.DocumentType)
	assert.Contains(t, result.Extra, "llm_error")
}
