// Package status reports document processing progress to an external
// admin surface via webhooks. Updates must never block or fail the
// pipeline.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Stage is a document processing phase.
type Stage string

const (
	StageReceived  Stage = "received"
	StageQueued    Stage = "queued"
	StageAnalyzing Stage = "analyzing"
	StageChunking  Stage = "chunking"
	StageEnriching Stage = "enriching"
	StageEmbedding Stage = "embedding"
	StageStoring   Stage = "storing"
	StageReranking Stage = "reranking"
	StageSearching Stage = "searching"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Update is one webhook payload.
type Update struct {
	Source      string         `json:"source"`
	Timestamp   string         `json:"timestamp"`
	DocID       string         `json:"doc_id"`
	Stage       Stage          `json:"stage"`
	ProgressPct *int           `json:"progress_pct"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata"`
	Error       string         `json:"error,omitempty"`
}

// Config configures the reporter.
type Config struct {
	WebhookURL string
	Secret     string
	Timeout    time.Duration
	Enabled    bool
	// QueueSize bounds the pending update channel; overflow drops
	// with a log line.
	QueueSize int
}

// Reporter sends updates through a bounded channel drained by a
// single sender goroutine holding one shared HTTP client.
type Reporter struct {
	config Config
	client *http.Client
	logger *slog.Logger

	queue chan Update
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	recent map[string]Update
	closed bool
}

// NewReporter creates and starts a reporter.
func NewReporter(cfg Config, logger *slog.Logger) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reporter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		queue:  make(chan Update, cfg.QueueSize),
		done:   make(chan struct{}),
		recent: make(map[string]Update),
	}
	r.wg.Add(1)
	go r.sendLoop()
	return r
}

// Emit queues an update. Never blocks: on overflow the update is
// dropped with a log line.
func (r *Reporter) Emit(docID string, stage Stage, progressPct *int, message string, metadata map[string]any, errText string) {
	update := Update{
		Source:      "ai3",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		DocID:       docID,
		Stage:       stage,
		ProgressPct: progressPct,
		Message:     message,
		Metadata:    metadata,
		Error:       errText,
	}
	if update.Metadata == nil {
		update.Metadata = map[string]any{}
	}

	if stage == StageFailed {
		r.logger.Error("status_failed",
			slog.String("doc_id", docID),
			slog.String("error", errText))
	} else {
		r.logger.Info("status_update",
			slog.String("doc_id", docID),
			slog.String("stage", string(stage)),
			slog.String("message", message))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.recent[docID] = update
	r.mu.Unlock()

	if !r.config.Enabled || r.config.WebhookURL == "" {
		return
	}

	select {
	case r.queue <- update:
	default:
		r.logger.Warn("webhook_queue_full",
			slog.String("doc_id", docID),
			slog.String("stage", string(stage)))
	}
}

// Recent returns the last update emitted for a document.
func (r *Reporter) Recent(docID string) (Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.recent[docID]
	return u, ok
}

// Clear removes a document's cached status.
func (r *Reporter) Clear(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recent, docID)
}

// Close stops the sender after draining queued updates.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	r.wg.Wait()
	close(r.done)
}

func (r *Reporter) sendLoop() {
	defer r.wg.Done()
	for update := range r.queue {
		r.send(update)
	}
}

func (r *Reporter) send(update Update) {
	body, err := json.Marshal(update)
	if err != nil {
		r.logger.Warn("webhook_marshal_failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("webhook_request_failed", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", "ai3-pipeline")
	if r.config.Secret != "" {
		req.Header.Set("X-Webhook-Secret", r.config.Secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("webhook_send_failed",
			slog.String("doc_id", update.DocID),
			slog.String("error", err.Error()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		r.logger.Warn("webhook_rejected",
			slog.String("doc_id", update.DocID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)))
		return
	}

	r.logger.Debug("webhook_sent",
		slog.String("doc_id", update.DocID),
		slog.String("stage", string(update.Stage)))
}

func pct(v int) *int { return &v }

// Stage helpers with the fixed per-stage progress mapping: received
// 0, analyzing 10, chunking 25, enriching 30-50, embedding 50-80,
// storing 85, completed 100.

func (r *Reporter) Received(docID, filename string, sizeBytes int) {
	meta := map[string]any{}
	if filename != "" {
		meta["filename"] = filename
	}
	if sizeBytes > 0 {
		meta["size_bytes"] = sizeBytes
	}
	name := filename
	if name == "" {
		name = docID
	}
	r.Emit(docID, StageReceived, pct(0), fmt.Sprintf("Document received: %s", name), meta, "")
}

func (r *Reporter) Analyzing(docID, model string) {
	r.Emit(docID, StageAnalyzing, pct(10),
		fmt.Sprintf("Analyzing document with %s", model),
		map[string]any{"model": model}, "")
}

func (r *Reporter) Chunking(docID, strategy string) {
	if strategy == "" {
		strategy = "auto"
	}
	r.Emit(docID, StageChunking, pct(25),
		fmt.Sprintf("Chunking with strategy: %s", strategy),
		map[string]any{"chunk_strategy": strategy}, "")
}

func (r *Reporter) Enriching(docID string, total, current int) {
	p := 30 + scaled(current, total, 20)
	r.Emit(docID, StageEnriching, pct(p),
		fmt.Sprintf("Enriching chunk %d/%d", current, total),
		map[string]any{"chunks_total": total, "chunks_done": current}, "")
}

func (r *Reporter) Embedding(docID string, total, current int, model string) {
	p := 50 + scaled(current, total, 30)
	r.Emit(docID, StageEmbedding, pct(p),
		fmt.Sprintf("Embedding chunk %d/%d", current, total),
		map[string]any{"chunks_total": total, "chunks_done": current, "model": model}, "")
}

func (r *Reporter) Storing(docID string, chunks int) {
	r.Emit(docID, StageStoring, pct(85),
		fmt.Sprintf("Storing %d chunks in vector database", chunks),
		map[string]any{"chunks_count": chunks}, "")
}

func (r *Reporter) Completed(docID string, chunksStored int, duration time.Duration) {
	meta := map[string]any{"chunks_stored": chunksStored}
	if duration > 0 {
		meta["duration_sec"] = duration.Round(10 * time.Millisecond).Seconds()
	}
	r.Emit(docID, StageCompleted, pct(100),
		fmt.Sprintf("Completed: %d chunks stored", chunksStored), meta, "")
}

func (r *Reporter) Failed(docID, stage, errText string) {
	if stage == "" {
		stage = "unknown"
	}
	msg := errText
	if len(msg) > 100 {
		msg = msg[:100]
	}
	r.Emit(docID, StageFailed, nil,
		fmt.Sprintf("Failed at %s: %s", stage, msg), nil, errText)
}

func scaled(current, total, span int) int {
	if total < 1 {
		total = 1
	}
	return current * span / total
}
