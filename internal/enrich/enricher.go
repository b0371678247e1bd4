// Package enrich prepends short LLM-generated context to chunks
// before embedding, which improves recall of fine-grained chunks.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultModel is a small fast model; context generation does not
	// need the large analyzer model.
	DefaultModel = "llama3.1:8b"

	DefaultTimeout    = 30 * time.Second
	DefaultMaxWorkers = 4

	// maxChunkPromptChars caps how much chunk text enters the prompt.
	maxChunkPromptChars = 1500
)

const systemPrompt = `Je bent een document-context expert. Je taak is om in 1-2 zinnen de context en relevantie van een tekstpassage te beschrijven.

Regels:
- Maximaal 2 zinnen
- Beschrijf WAT de passage behandelt
- Noem relevante entiteiten of cijfers
- Gebruik dezelfde taal als de input (Nederlands of Engels)
- Geef ALLEEN de contextbeschrijving, geen uitleg of commentaar`

// DocMetadata describes the document a batch of chunks belongs to.
type DocMetadata struct {
	Filename     string
	DocumentType string
	MainTopics   []string
	MainEntities []string
}

// Config configures the enricher.
type Config struct {
	// BaseURL is an OpenAI-compatible chat completions server.
	BaseURL string
	Model   string
	Timeout time.Duration
	// MaxWorkers bounds parallel LLM calls per batch.
	MaxWorkers int
	// Enabled disables LLM calls entirely when false; chunks still
	// get the metadata prefix.
	Enabled bool
}

// Enricher generates per-chunk context via a chat completions call.
// Per-chunk failures degrade to a metadata-only prefix; a batch never
// fails for well-formed input.
type Enricher struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewEnricher creates an enricher.
func NewEnricher(cfg Config, logger *slog.Logger) *Enricher {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		client: &http.Client{},
		config: cfg,
		logger: logger,
	}
}

// EnrichBatch returns one enriched text per chunk, same length and
// order. When disabled, every chunk gets the metadata-only prefix.
func (e *Enricher) EnrichBatch(ctx context.Context, chunks []string, meta DocMetadata) []string {
	if len(chunks) == 0 {
		return nil
	}

	enriched := make([]string, len(chunks))
	if !e.config.Enabled {
		for i, chunk := range chunks {
			enriched[i] = Prefix(chunk, "", meta)
		}
		return enriched
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxWorkers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			chunkCtx, err := e.generateContext(gctx, chunk, meta)
			if err != nil {
				e.logger.Warn("chunk_enrichment_failed",
					slog.Int("chunk", i),
					slog.String("error", err.Error()))
				chunkCtx = ""
			}
			enriched[i] = Prefix(chunk, chunkCtx, meta)
			return nil
		})
	}
	_ = g.Wait()
	return enriched
}

func (e *Enricher) generateContext(ctx context.Context, chunk string, meta DocMetadata) (string, error) {
	if len(chunk) > maxChunkPromptChars {
		chunk = chunk[:maxChunkPromptChars]
	}

	userPrompt := fmt.Sprintf(`Document informatie:
- Bestand: %s
- Type: %s
- Onderwerpen: %s
- Entiteiten: %s

Passage:
"""%s"""

Beschrijf de context van deze passage in 1-2 zinnen:`,
		orUnknown(meta.Filename), orUnknown(meta.DocumentType),
		joinOrUnspecified(meta.MainTopics), joinOrUnspecified(meta.MainEntities),
		chunk)

	body, err := json.Marshal(chatRequest{
		Model: e.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Options: chatOptions{Temperature: 0.1, NumPredict: 150},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		e.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("context generation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("context generation failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

// Available checks whether the context model is loaded on the server.
func (e *Enricher) Available(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if strings.Contains(m.Name, e.config.Model) {
			return true
		}
	}
	return false
}

// Prefix combines chunk text with its context and document metadata
// into the text presented to the embedder. An empty context yields
// the degraded metadata-only form.
func Prefix(chunk, context string, meta DocMetadata) string {
	var parts []string
	if meta.Filename != "" {
		parts = append(parts, fmt.Sprintf("[Document: %s]", meta.Filename))
	}
	if meta.DocumentType != "" {
		parts = append(parts, fmt.Sprintf("[Type: %s]", meta.DocumentType))
	}
	if context != "" {
		parts = append(parts, fmt.Sprintf("[Context: %s]", context))
	}
	parts = append(parts, "", chunk)
	return strings.Join(parts, "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "onbekend"
	}
	return s
}

func joinOrUnspecified(items []string) string {
	if len(items) == 0 {
		return "niet gespecificeerd"
	}
	if len(items) > 5 {
		items = items[:5]
	}
	return strings.Join(items, ", ")
}
