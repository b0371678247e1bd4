package cmd

import (
	"context"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/dasol-ai/datafactory/internal/analyzer"
	"github.com/dasol-ai/datafactory/internal/chunk"
	"github.com/dasol-ai/datafactory/internal/config"
	"github.com/dasol-ai/datafactory/internal/embed"
	"github.com/dasol-ai/datafactory/internal/enrich"
	"github.com/dasol-ai/datafactory/internal/gpu"
	"github.com/dasol-ai/datafactory/internal/ingest"
	"github.com/dasol-ai/datafactory/internal/jobs"
	"github.com/dasol-ai/datafactory/internal/search"
	"github.com/dasol-ai/datafactory/internal/status"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// app holds the wired service graph. Every command that touches the
// data path builds one and closes it on exit.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.SQLiteStore
	indexes     *vecindex.Manager
	pool        *embed.Pool
	lexical     *search.BM25Sidecar
	reporter    *status.Reporter
	coordinator *ingest.Coordinator
	engine      *search.Engine
	jobs        *jobs.Service

	gpus         *gpu.Manager
	analyzerGPUs *gpu.Manager
	phaseLock    *gpu.PhaseLock
	analyzer     *analyzer.Analyzer
	analyzerJobs *analyzer.JobService
}

// lockedEmbedder routes pool calls through the cross-process GPU
// phase lock and the in-process task manager, so embedding never
// overlaps LLM work on the same devices.
type lockedEmbedder struct {
	pool *embed.Pool
	lock *gpu.PhaseLock
	gpus *gpu.Manager
}

func (l *lockedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := l.lock.WithLock(ctx, gpu.PhaseEmbedding, "", func() error {
		l.gpus.AcquireFor(ctx, gpu.TaskPytorchEmbedding)
		defer l.gpus.Release()

		var err error
		out, err = l.pool.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

func (l *lockedEmbedder) Dimensions() int { return l.pool.Dimensions() }

var (
	_ ingest.Embedder = (*lockedEmbedder)(nil)
	_ search.Embedder = (*lockedEmbedder)(nil)
)

// lockedEnricher holds the LLM phase of the GPU lock while context
// generation runs. Enrichment degrades per chunk, so lock failures
// fall back to unenriched prefixes instead of failing the batch.
type lockedEnricher struct {
	inner *enrich.Enricher
	lock  *gpu.PhaseLock
	gpus  *gpu.Manager
}

func (l *lockedEnricher) EnrichBatch(ctx context.Context, chunks []string, meta enrich.DocMetadata) []string {
	var out []string
	err := l.lock.WithLock(ctx, gpu.PhaseLLM, meta.Filename, func() error {
		l.gpus.AcquireFor(ctx, gpu.TaskOllamaEnrichment)
		defer l.gpus.Release()

		out = l.inner.EnrichBatch(ctx, chunks, meta)
		return nil
	})
	if err != nil {
		out = make([]string, len(chunks))
		for i, c := range chunks {
			out[i] = enrich.Prefix(c, "", meta)
		}
	}
	return out
}

var _ ingest.Enricher = (*lockedEnricher)(nil)

// buildApp wires the full service graph from configuration. Nothing
// touches the network until the first request.
func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(cfg.Database.URL, store.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}

	indexes, err := vecindex.NewManager(cfg.Index.Dir, cfg.Index.WatchDir, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, indexes: indexes}

	gpus := gpu.NewManager(nil, logger)
	gpus.MinFreeMB = cfg.Embedding.MinFreeMB
	gpus.MaxTemp = float64(cfg.Embedding.MaxTemp)
	gpus.MaxDevices = cfg.Embedding.MaxParallelDevices
	a.gpus = gpus

	a.phaseLock = gpu.NewPhaseLock(cfg.GPU.LockPath, cfg.GPU.LockTimeout.Std(), logger)

	factory := func(device int) (embed.Embedder, error) {
		hc := embed.HTTPConfig{
			Endpoint:   cfg.Embedding.Endpoint,
			Model:      cfg.Embedding.ModelName,
			Dimensions: cfg.Embedding.Dimension,
			BatchSize:  cfg.Embedding.BatchSize,
			Timeout:    cfg.Embedding.Timeout.Std(),
		}
		if device >= 0 {
			hc.Device = device
		}
		var e embed.Embedder = embed.NewHTTPEmbedder(hc, logger)
		if cfg.Embedding.CacheSize > 0 {
			e = embed.NewCachedEmbedder(e, cfg.Embedding.CacheSize)
		}
		return e, nil
	}
	a.pool = embed.NewPool(factory, gpus, embed.PoolOptions{
		MinTextsForParallel: cfg.Embedding.MinTextsForParallel,
		MaxDevices:          cfg.Embedding.MaxParallelDevices,
	}, logger)

	embedder := &lockedEmbedder{pool: a.pool, lock: a.phaseLock, gpus: gpus}

	enricher := enrich.NewEnricher(enrich.Config{
		BaseURL:    cfg.Enrich.Endpoint,
		Model:      cfg.Enrich.Model,
		Timeout:    cfg.Enrich.Timeout.Std(),
		MaxWorkers: cfg.Enrich.MaxWorkers,
		Enabled:    cfg.Enrich.Enabled,
	}, logger)

	a.reporter = status.NewReporter(status.Config{
		WebhookURL: cfg.Webhook.URL,
		Secret:     cfg.Webhook.Secret,
		Timeout:    cfg.Webhook.Timeout.Std(),
		Enabled:    cfg.Webhook.Enabled,
		QueueSize:  cfg.Webhook.QueueSize,
	}, logger)

	a.coordinator = ingest.NewCoordinator(st, chunk.NewDefaultRegistry(logger),
		indexes, embedder,
		&lockedEnricher{inner: enricher, lock: a.phaseLock, gpus: gpus},
		a.reporter,
		cfg.Embedding.Version, cfg.Embedding.ModelName, logger)

	if cfg.Search.HybridEnabled {
		a.lexical = search.NewBM25Sidecar(filepath.Join(cfg.Index.Dir, "bm25"), logger)
		a.coordinator.SetLexical(a.lexical)
	}

	var reranker search.Reranker
	if cfg.Search.RerankEnabled {
		reranker = search.NewHTTPReranker(search.HTTPRerankerConfig{
			BaseURL: cfg.Search.RerankServiceURL,
			Timeout: cfg.Search.RerankTimeout.Std(),
		})
	}
	a.engine = search.NewEngine(st, indexes, embedder, a.lexical, reranker, search.Config{
		DefaultVersion:   cfg.Embedding.Version,
		RerankEnabled:    cfg.Search.RerankEnabled,
		RerankCandidates: cfg.Search.RerankCandidates,
		FusionWeights: search.Weights{
			Dense:  cfg.Search.DenseWeight,
			Sparse: cfg.Search.SparseWeight,
		},
		RRFConstant: cfg.Search.RRFConstant,
	}, logger)

	a.jobs = jobs.NewService(st, cfg.Worker.PollInterval.Std(), logger)
	a.coordinator.RegisterHandlers(a.jobs)

	a.analyzer, a.analyzerJobs, a.analyzerGPUs =
		buildAnalyzerStack(cfg, a.phaseLock, a.reporter, logger)
	return a, nil
}

// buildAnalyzerStack wires the document analyzer tier. Analysis uses
// its own device thresholds because the big classifier model needs
// far more headroom than embedding does.
func buildAnalyzerStack(cfg *config.Config, lock *gpu.PhaseLock, reporter *status.Reporter, logger *slog.Logger) (*analyzer.Analyzer, *analyzer.JobService, *gpu.Manager) {
	agpus := gpu.NewManager(nil, logger)
	agpus.MinFreeMB = cfg.Analyzer.MinFreeMB
	agpus.MaxTemp = float64(cfg.Analyzer.MaxTemp)
	agpus.MaxDevices = cfg.GPU.NumInstances

	pcfg := analyzer.ParallelConfig{
		Model:        cfg.Analyzer.Model,
		Host:         endpointHost(cfg.GPU.LLMEndpoint),
		BasePort:     cfg.GPU.BasePort,
		NumEndpoints: cfg.GPU.NumInstances,
		Timeout:      cfg.Analyzer.Timeout.Std(),
	}
	if !cfg.GPU.MultiInstance {
		pcfg.NumEndpoints = 1
	}

	parallel := analyzer.NewParallel(pcfg, agpus, reporter, logger)
	parallel.LockFunc = func(ctx context.Context, docID string, fn func() error) error {
		return lock.WithLock(ctx, gpu.PhaseBatch, docID, func() error {
			agpus.AcquireFor(ctx, gpu.TaskOllamaAnalysis)
			defer agpus.Release()
			return fn()
		})
	}
	parallel.CleanupFunc = func(context.Context) error {
		agpus.Release()
		return nil
	}

	a := analyzer.NewAnalyzer(analyzer.Config{
		BaseURL:  cfg.GPU.LLMEndpoint,
		Model:    cfg.Analyzer.Model,
		Timeout:  cfg.Analyzer.Timeout.Std(),
		Enabled:  true,
		Parallel: pcfg,
	}, parallel, reporter, logger)

	return a, analyzer.NewJobService(a, cfg.Analyzer.JobMaxAge.Std(), logger), agpus
}

// endpointHost extracts the hostname of an LLM endpoint URL for the
// per-device port scheme.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return "127.0.0.1"
	}
	return u.Hostname()
}

// Close releases everything in reverse dependency order.
func (a *app) Close() {
	if a.reporter != nil {
		a.reporter.Close()
	}
	if a.pool != nil {
		_ = a.pool.Close()
	}
	if a.lexical != nil {
		_ = a.lexical.Close()
	}
	if a.indexes != nil {
		_ = a.indexes.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
