package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dasol-ai/datafactory/internal/status"
)

// Config tunes the analyzer.
type Config struct {
	// BaseURL of the primary LLM endpoint (OpenAI-style Ollama).
	BaseURL string
	Model   string
	Timeout time.Duration
	// Enabled gates the LLM tier; heuristics always run.
	Enabled bool

	Parallel ParallelConfig
}

// Analyzer runs the two-tier analysis: LLM first, heuristics as
// fallback and for the structural fields.
type Analyzer struct {
	config   Config
	client   *http.Client
	parallel *Parallel
	reporter *status.Reporter
	logger   *slog.Logger
}

// NewAnalyzer wires the analyzer. reporter may be nil.
func NewAnalyzer(cfg Config, parallel *Parallel, reporter *status.Reporter, logger *slog.Logger) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = "llama3.1:8b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		config:   cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		parallel: parallel,
		reporter: reporter,
		logger:   logger,
	}
}

// Analyze classifies one document. Large documents are routed to the
// parallel fan-out when one is configured.
func (a *Analyzer) Analyze(ctx context.Context, req *Request) (*Analysis, error) {
	if a.parallel != nil && (req.ForceParallel || ShouldParallel(req.Document)) {
		return a.parallel.Analyze(ctx, req)
	}

	if a.reporter != nil && req.DocID != "" {
		a.reporter.Analyzing(req.DocID, a.config.Model)
	}

	result := heuristicAnalyze(req)

	if a.config.Enabled && a.config.BaseURL != "" {
		if enriched, err := a.llmEnrich(ctx, req); err != nil {
			a.logger.Warn("analyzer_llm_failed",
				slog.String("filename", req.Filename),
				slog.String("error", err.Error()))
			result.Extra["llm_error"] = err.Error()
		} else {
			applyEnrichment(result, enriched)
		}
	}

	return result, nil
}

// llmEnrichment is what the LLM tier contributes on top of the
// heuristics.
type llmEnrichment struct {
	DocumentType string   `json:"document_type"`
	Domain       string   `json:"domain"`
	MainEntities []string `json:"main_entities"`
	MainTopics   []string `json:"main_topics"`
	HasTables    bool     `json:"has_tables"`
	Format       string   `json:"format"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

const analyzePromptFormat = `Analyseer dit document grondig en return een JSON object met:
- document_type: string (annual_report_pdf, offer_doc, chatlog, coaching_doc, review_doc, generic)
- domain: string (finance, sales, coaching, reviews, general)
- main_entities: array van strings (bedrijven, personen, organisaties)
- main_topics: array van strings (kernonderwerpen)
- has_tables: boolean
- format: string (pdf, docx, txt, html)

Document: %s
MIME: %s
Content (eerste 2000 chars):
%s

Return ALLEEN het JSON object, geen extra tekst.`

func (a *Analyzer) llmEnrich(ctx context.Context, req *Request) (*llmEnrichment, error) {
	prompt := fmt.Sprintf(analyzePromptFormat,
		orUnknown(req.Filename), orUnknown(req.MimeType), sample(req.Document, 2000))

	body, err := json.Marshal(generateRequest{
		Model:   a.config.Model,
		Prompt:  prompt,
		Options: generateOptions{Temperature: 0.1, NumPredict: 500},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analyze request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyze request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("analyze endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode analyze response: %w", err)
	}

	raw := firstBalancedJSON(parsed.Response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var enriched llmEnrichment
	if err := json.Unmarshal([]byte(raw), &enriched); err != nil {
		return nil, fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return &enriched, nil
}

func applyEnrichment(result *Analysis, enriched *llmEnrichment) {
	if len(enriched.MainEntities) > 0 {
		result.MainEntities = capList(enriched.MainEntities, 5)
	}
	if len(enriched.MainTopics) > 0 {
		result.MainTopics = capList(enriched.MainTopics, 5)
	}
	if enriched.Domain != "" {
		result.Extra["domain_llm"] = enriched.Domain
	}
	if enriched.Format != "" {
		result.Extra["format"] = enriched.Format
	}
	if enriched.DocumentType != "" && enriched.DocumentType != "generic" {
		result.DocumentType = enriched.DocumentType
		result.SuggestedChunkStrategy = chunkStrategyFor(enriched.DocumentType,
			result.HasTables || enriched.HasTables)
	}
	if enriched.HasTables {
		result.HasTables = true
	}
	result.Extra["llm_notes"] = "llm"
}

func capList(items []string, limit int) []string {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// firstBalancedJSON returns the first balanced top-level JSON object
// in s, tolerating prose around it. String literals and escapes are
// respected.
func firstBalancedJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
