package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// DefaultRerankCandidates is how many top hits are offered to the
// cross-encoder.
const DefaultRerankCandidates = 20

// RerankItem is one candidate sent to the reranker.
type RerankItem struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RerankedItem is one scored candidate returned by the reranker.
type RerankedItem struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Reranker rescoring interface. Cross-encoders jointly encode
// query-document pairs, which is slower but more accurate than the
// bi-encoder used for retrieval.
type Reranker interface {
	// Rerank returns the items rescored and sorted by score
	// descending. topK of 0 returns all items.
	Rerank(ctx context.Context, query string, items []RerankItem, topK int) ([]RerankedItem, error)

	// Available reports whether the reranker can serve requests.
	Available(ctx context.Context) bool

	Close() error
}

// HTTPRerankerConfig configures the reranker client.
type HTTPRerankerConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPReranker calls an external cross-encoder service.
type HTTPReranker struct {
	config HTTPRerankerConfig
	client *http.Client
}

// NewHTTPReranker creates the client.
func NewHTTPReranker(cfg HTTPRerankerConfig) *HTTPReranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPReranker{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type rerankRequest struct {
	Query string       `json:"query"`
	Items []RerankItem `json:"items"`
	TopK  int          `json:"top_k"`
}

type rerankResponse struct {
	Items []RerankedItem `json:"items"`
}

// Rerank posts the candidates to the service's /rerank endpoint.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, items []RerankItem, topK int) ([]RerankedItem, error) {
	if len(items) == 0 {
		return []RerankedItem{}, nil
	}
	if topK <= 0 {
		topK = len(items)
	}

	body, err := json.Marshal(rerankRequest{Query: query, Items: items, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.config.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, dferrors.DependencyError(dferrors.ErrCodeRerankUnavailable,
			"reranker request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, dferrors.DependencyError(dferrors.ErrCodeRerankUnavailable,
			fmt.Sprintf("reranker returned status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, dferrors.DependencyError(dferrors.ErrCodeRerankUnavailable,
			"failed to decode rerank response", err)
	}
	return parsed.Items, nil
}

// Available probes the service health endpoint.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close is a no-op for the HTTP client.
func (r *HTTPReranker) Close() error { return nil }

var _ Reranker = (*HTTPReranker)(nil)
