package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/status"
)

const (
	// ParallelSizeThreshold routes documents above this size to the
	// fan-out path.
	ParallelSizeThreshold = 3 * 1024 * 1024
	// ParallelPageThreshold routes documents with this many page
	// markers to the fan-out path.
	ParallelPageThreshold = 50

	pagesPerBatch     = 5
	batchCharLimit    = 8000
	fallbackPageChars = 2000

	defaultBasePort     = 11434
	defaultNumEndpoints = 4
)

// ShouldParallel reports whether a document is large enough for the
// fan-out path.
func ShouldParallel(text string) bool {
	return len(text) > ParallelSizeThreshold ||
		strings.Count(text, "[PAGE ") > ParallelPageThreshold
}

// DeviceSource lists the GPU indexes usable for analysis work.
type DeviceSource interface {
	UsableDevices(ctx context.Context) []int
}

// CooldownWaiter is the optional half of a DeviceSource that can wait
// for a throttled device to drop back under its temperature ceiling.
type CooldownWaiter interface {
	AwaitUsableDevice(ctx context.Context, timeout time.Duration) (int, error)
}

// cooldownWaitBudget bounds how long a run blocks on a hot device
// before pinning the default endpoint.
const cooldownWaitBudget = 2 * time.Minute

// ParallelConfig tunes the fan-out analyzer. Each device index maps to
// an endpoint at BasePort + (device % NumEndpoints).
type ParallelConfig struct {
	Model        string
	Host         string
	BasePort     int
	NumEndpoints int
	Timeout      time.Duration
}

// Parallel analyzes large documents by splitting them into page
// batches and classifying the batches concurrently, one worker per
// usable device.
type Parallel struct {
	config   ParallelConfig
	client   *http.Client
	devices  DeviceSource
	reporter *status.Reporter
	logger   *slog.Logger

	// LockFunc serializes GPU-bound work when set, typically
	// PhaseLock.WithLock bound to the analyze phase.
	LockFunc func(ctx context.Context, docID string, fn func() error) error
	// CleanupFunc runs after an aborted run to reclaim GPU memory.
	CleanupFunc func(ctx context.Context) error
}

// NewParallel wires the fan-out analyzer. devices and reporter may be
// nil; without devices a single worker on endpoint 0 is used.
func NewParallel(cfg ParallelConfig, devices DeviceSource, reporter *status.Reporter, logger *slog.Logger) *Parallel {
	if cfg.Model == "" {
		cfg.Model = "llama3.1:70b"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = defaultBasePort
	}
	if cfg.NumEndpoints <= 0 {
		cfg.NumEndpoints = defaultNumEndpoints
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{
		config:   cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		devices:  devices,
		reporter: reporter,
		logger:   logger,
	}
}

var pageMarker = regexp.MustCompile(`\[PAGE \d+\]`)

// splitPages splits on page markers, falling back to fixed-size
// paragraph windows when the document carries none.
func splitPages(text string) []string {
	if pageMarker.MatchString(text) {
		parts := pageMarker.Split(text, -1)
		pages := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				pages = append(pages, p)
			}
		}
		if len(pages) > 0 {
			return pages
		}
	}

	paragraphs := strings.Split(text, "\n\n")
	var pages []string
	var window strings.Builder
	for _, para := range paragraphs {
		if window.Len() > 0 && window.Len()+len(para) > fallbackPageChars {
			pages = append(pages, window.String())
			window.Reset()
		}
		if window.Len() > 0 {
			window.WriteString("\n\n")
		}
		window.WriteString(para)
	}
	if strings.TrimSpace(window.String()) != "" {
		pages = append(pages, window.String())
	}
	return pages
}

// batchPages groups pages into batches, joining with a separator and
// capping each batch's text.
func batchPages(pages []string) []string {
	var batches []string
	for start := 0; start < len(pages); start += pagesPerBatch {
		end := start + pagesPerBatch
		if end > len(pages) {
			end = len(pages)
		}
		joined := strings.Join(pages[start:end], "\n\n---\n\n")
		if len(joined) > batchCharLimit {
			joined = joined[:batchCharLimit]
		}
		batches = append(batches, joined)
	}
	return batches
}

// batchResult is one batch's partial classification.
type batchResult struct {
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`
	Domain   string   `json:"domain"`
	DocType  string   `json:"document_type"`
	Tables   bool     `json:"has_tables"`

	duration time.Duration
	err      error
}

const batchPromptFormat = `Analyseer dit documentfragment en return een JSON object met:
- entities: array van strings, max 5 (bedrijven, personen, organisaties)
- topics: array van strings, max 5 (kernonderwerpen)
- domain: string (finance, sales, coaching, reviews, general)
- document_type: string (annual_report_pdf, offer_doc, chatlog, coaching_doc, review_doc, generic)
- has_tables: boolean

Fragment:
%s

Return ALLEEN het JSON object, geen extra tekst.`

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive"`
	Options   chatOptions   `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Analyze fans the document out over the usable devices and merges the
// partial results.
func (p *Parallel) Analyze(ctx context.Context, req *Request) (*Analysis, error) {
	start := time.Now()
	pages := splitPages(req.Document)
	batches := batchPages(pages)
	if len(batches) == 0 {
		return heuristicAnalyze(req), nil
	}

	devices := p.pickDevices(ctx)
	workers := len(devices)
	if workers > len(batches) {
		workers = len(batches)
	}

	if p.reporter != nil && req.DocID != "" {
		p.reporter.Analyzing(req.DocID, p.config.Model)
	}

	partials := make([]batchResult, len(batches))
	var done int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, batch := range batches {
		i, batch := i, batch
		device := devices[i%len(devices)]
		g.Go(func() error {
			run := func() error {
				partials[i] = p.analyzeBatch(gctx, device, batch)
				return nil
			}
			if p.LockFunc != nil {
				if err := p.LockFunc(gctx, req.DocID, run); err != nil {
					partials[i] = batchResult{err: err}
				}
			} else {
				_ = run()
			}

			mu.Lock()
			done++
			pct := 10 + done*80/len(batches)
			mu.Unlock()
			if p.reporter != nil && req.DocID != "" {
				p.reporter.Emit(req.DocID, status.StageAnalyzing, &pct,
					fmt.Sprintf("Analyzing batch %d/%d", done, len(batches)),
					map[string]any{"model": p.config.Model}, "")
			}
			return nil
		})
	}
	_ = g.Wait()

	failures := 0
	for _, partial := range partials {
		if partial.err != nil {
			failures++
		}
	}
	if failures*2 > len(batches) {
		if p.CleanupFunc != nil {
			if cerr := p.CleanupFunc(ctx); cerr != nil {
				p.logger.Warn("analyzer_cleanup_failed", slog.String("error", cerr.Error()))
			}
		}
		if p.reporter != nil && req.DocID != "" {
			p.reporter.Failed(req.DocID, string(status.StageAnalyzing),
				fmt.Sprintf("%d of %d batches failed", failures, len(batches)))
		}
		return nil, dferrors.DependencyError(dferrors.ErrCodeDependencyTimeout,
			"too many analysis batches failed", nil).
			WithDetail("failed", fmt.Sprintf("%d/%d", failures, len(batches)))
	}

	result := p.aggregate(req, partials)
	p.logger.Info("parallel_analysis_done",
		slog.String("filename", req.Filename),
		slog.Int("batches", len(batches)),
		slog.Int("failures", failures),
		slog.Int("workers", workers),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// pickDevices resolves the worker devices for one run. When every
// device fails the free-memory or temperature filter, the run waits
// for the coolest one to recover instead of piling onto device 0 while
// it is throttled.
func (p *Parallel) pickDevices(ctx context.Context) []int {
	if p.devices == nil {
		return []int{0}
	}
	if usable := p.devices.UsableDevices(ctx); len(usable) > 0 {
		return usable
	}
	if waiter, ok := p.devices.(CooldownWaiter); ok {
		device, err := waiter.AwaitUsableDevice(ctx, cooldownWaitBudget)
		if err == nil {
			return []int{device}
		}
		p.logger.Warn("analyzer_cooldown_wait_failed", slog.String("error", err.Error()))
	}
	return []int{0}
}

func (p *Parallel) analyzeBatch(ctx context.Context, device int, batch string) batchResult {
	start := time.Now()
	endpoint := fmt.Sprintf("http://%s:%d", p.config.Host,
		p.config.BasePort+device%p.config.NumEndpoints)

	body, err := json.Marshal(chatRequest{
		Model: p.config.Model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(batchPromptFormat, batch)},
		},
		KeepAlive: "0",
		Options:   chatOptions{Temperature: 0.1},
	})
	if err != nil {
		return batchResult{err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return batchResult{err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return batchResult{err: err, duration: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return batchResult{
			err:      fmt.Errorf("endpoint %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody)),
			duration: time.Since(start),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return batchResult{err: err, duration: time.Since(start)}
	}

	raw := firstBalancedJSON(parsed.Message.Content)
	if raw == "" {
		return batchResult{err: fmt.Errorf("no JSON object in batch output"), duration: time.Since(start)}
	}
	var result batchResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return batchResult{err: err, duration: time.Since(start)}
	}
	result.duration = time.Since(start)
	return result
}

// aggregate merges the batch partials: entities and topics dedup in
// first-seen order, domain and document type by majority vote, tables
// by any-batch.
func (p *Parallel) aggregate(req *Request, partials []batchResult) *Analysis {
	var entities, topics []string
	domainVotes := make(map[string]int)
	typeVotes := make(map[string]int)
	tables := false
	processed := 0
	var errs []string
	var totalDuration time.Duration

	for i, partial := range partials {
		if partial.err != nil {
			errs = append(errs, fmt.Sprintf("batch %d: %s", i, partial.err))
			continue
		}
		processed++
		totalDuration += partial.duration
		entities = dedupAppend(entities, partial.Entities, 10)
		topics = dedupAppend(topics, partial.Topics, 10)
		if partial.Domain != "" {
			domainVotes[partial.Domain]++
		}
		if partial.DocType != "" {
			typeVotes[partial.DocType]++
		}
		tables = tables || partial.Tables
	}

	docType := majority(typeVotes, "generic")
	tables = tables || hasTables(req.Document)

	extra := map[string]string{
		"domain":            majority(domainVotes, guessDomain(req.Document)),
		"parallel_analysis": "true",
		"batches_processed": strconv.Itoa(processed),
		"llm_duration":      totalDuration.String(),
	}
	if len(errs) > 0 {
		extra["batch_errors"] = strings.Join(errs, "; ")
	}

	return &Analysis{
		DocumentType:           docType,
		MimeType:               req.MimeType,
		Language:               detectLanguage(req.Document),
		PageCount:              len(partials) * pagesPerBatch,
		HasTables:              tables,
		MainEntities:           entities,
		MainTopics:             topics,
		SuggestedChunkStrategy: chunkStrategyFor(docType, tables),
		SuggestedEmbedModel:    DefaultEmbedModel,
		Extra:                  extra,
	}
}

func dedupAppend(dst, src []string, limit int) []string {
	for _, item := range src {
		if len(dst) >= limit {
			return dst
		}
		found := false
		for _, existing := range dst {
			if strings.EqualFold(existing, item) {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

func majority(votes map[string]int, fallback string) string {
	if len(votes) == 0 {
		return fallback
	}
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if votes[keys[i]] != votes[keys[j]] {
			return votes[keys[i]] > votes[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys[0]
}
