package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// HTTPConfig configures an HTTPEmbedder.
type HTTPConfig struct {
	// Endpoint is the base URL of an OpenAI-compatible embedding
	// server (infinity, TEI, vLLM).
	Endpoint string
	// Model is the model identifier sent with each request.
	Model string
	// Dimensions is the expected vector dimension, zero to auto-detect
	// from the first response.
	Dimensions int
	// BatchSize caps texts per request.
	BatchSize int
	// Timeout bounds a single request.
	Timeout time.Duration
	// MaxRetries is the attempt count per batch.
	MaxRetries int
	// Device optionally pins requests to one device instance by
	// rewriting the endpoint port (base_port + device).
	Device int
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	client *http.Client
	config HTTPConfig
	logger *slog.Logger

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

// deviceEndpoint shifts the endpoint port by the device index, so
// each device-pinned worker talks to its own server instance.
func deviceEndpoint(endpoint string, device int) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Port() == "" {
		return endpoint
	}
	base, err := strconv.Atoi(u.Port())
	if err != nil {
		return endpoint
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(base+device))
	return u.String()
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedder creates the embedder. No network call happens until
// the first request.
func NewHTTPEmbedder(cfg HTTPConfig, logger *slog.Logger) *HTTPEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Device > 0 {
		cfg.Endpoint = deviceEndpoint(cfg.Endpoint, cfg.Device)
	}

	return &HTTPEmbedder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		config: cfg,
		logger: logger,
		dims:   cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Empty texts map
// to zero vectors without a request.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, dferrors.New(dferrors.ErrCodeEmbedUnavailable, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var pending []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.Dimensions())
		} else {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		batch := pending[start:end]
		batchTexts := make([]string, len(batch))
		for i, idx := range batch {
			batchTexts[i] = texts[idx]
		}

		vecs, err := e.embedWithRetry(ctx, batchTexts)
		if err != nil {
			return nil, err
		}
		for i, idx := range batch {
			results[idx] = vecs[i]
		}
	}

	// Backfill zero vectors for empty texts once the dimension is known.
	if dims := e.Dimensions(); dims > 0 {
		for i, v := range results {
			if len(v) == 0 {
				results[i] = make([]float32, dims)
			}
		}
	}
	return results, nil
}

func (e *HTTPEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			e.logger.Debug("embedding_retry",
				slog.Int("attempt", attempt+1),
				slog.Int("texts", len(texts)))
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		vecs, err := e.doEmbed(reqCtx, texts)
		cancel()
		if err == nil {
			return vecs, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
		fmt.Sprintf("embedding failed after %d attempts", e.config.MaxRetries), lastErr)
}

func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.Endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResult embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResult.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(apiResult.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, item := range apiResult.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vecs[item.Index] = Normalize(vec)
	}

	e.mu.Lock()
	if e.dims == 0 && len(vecs) > 0 {
		e.dims = len(vecs[0])
		e.logger.Info("embedding_dimension_detected", slog.Int("dimension", e.dims))
	}
	e.mu.Unlock()

	return vecs, nil
}

// Dimensions returns the embedding dimension, zero until detected.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string { return e.config.Model }

// Available probes the endpoint health route.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}
