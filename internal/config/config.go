// Package config defines the service configuration.
//
// Configuration is resolved in three layers, later layers win:
//  1. Built-in defaults (NewConfig)
//  2. Optional YAML file (Load)
//  3. Environment variables (applyEnv)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s" / "15m" strings
// as well as bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete DataFactory configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Search    SearchConfig    `yaml:"search"`
	GPU       GPUConfig       `yaml:"gpu"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig configures the HTTP surfaces.
type ServerConfig struct {
	// Port is the main v1 API port.
	Port int `yaml:"port"`

	// AnalyzerPort is the analyzer surface port.
	AnalyzerPort int `yaml:"analyzer_port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// URL is the SQLite database path or connection string.
	URL string `yaml:"url"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`

	// BusyTimeout is the SQLite busy_timeout pragma.
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// IndexConfig configures vector index persistence.
type IndexConfig struct {
	// Dir is the directory holding one index file per
	// (tenant, namespace, embedding_version).
	Dir string `yaml:"dir"`

	// WatchDir enables invalidation of cached indices when another
	// process replaces an index file on disk.
	WatchDir bool `yaml:"watch_dir"`
}

// EmbeddingConfig configures the embedding model client and pool.
type EmbeddingConfig struct {
	// ModelName is recorded on documents and chunks.
	ModelName string `yaml:"model_name"`

	// Version is the default embedding_version for new chunks.
	Version string `yaml:"version"`

	// Dimension of embedding vectors. 0 means auto-detect on first call.
	Dimension int `yaml:"dimension"`

	// Endpoint is the embedding service base URL.
	Endpoint string `yaml:"endpoint"`

	// Timeout per embedding HTTP call.
	Timeout Duration `yaml:"timeout"`

	// BatchSize is the number of texts per request to a single device.
	BatchSize int `yaml:"batch_size"`

	// MaxParallelDevices caps the worker pool size.
	MaxParallelDevices int `yaml:"max_parallel_devices"`

	// MinFreeMB is the free-memory floor for device selection.
	MinFreeMB int `yaml:"min_free_mb"`

	// MaxTemp is the temperature ceiling (Celsius) for device selection.
	MaxTemp int `yaml:"max_temp"`

	// MinTextsForParallel is the threshold below which a single worker is used.
	MinTextsForParallel int `yaml:"min_texts_for_parallel"`

	// CacheSize is the LRU embedding cache capacity (entries). 0 disables.
	CacheSize int `yaml:"cache_size"`
}

// EnrichConfig configures the contextual enricher.
type EnrichConfig struct {
	// Enabled toggles enrichment globally.
	Enabled bool `yaml:"enabled"`

	// Model is the chat model used for context generation.
	Model string `yaml:"model"`

	// Endpoint is the chat completions base URL.
	Endpoint string `yaml:"endpoint"`

	// Timeout per enrichment call.
	Timeout Duration `yaml:"timeout"`

	// MaxWorkers bounds enrichment parallelism.
	MaxWorkers int `yaml:"max_workers"`
}

// SearchConfig configures hybrid search and reranking.
type SearchConfig struct {
	// DenseWeight is the RRF weight for dense results.
	DenseWeight float64 `yaml:"dense_weight"`

	// SparseWeight is the RRF weight for BM25 results.
	SparseWeight float64 `yaml:"sparse_weight"`

	// RRFConstant is the k in 1/(k+rank). Standard value is 60.
	RRFConstant int `yaml:"rrf_constant"`

	// HybridEnabled toggles the BM25 sidecar and fusion.
	HybridEnabled bool `yaml:"hybrid_enabled"`

	// RerankEnabled toggles the cross-encoder rerank pass.
	RerankEnabled bool `yaml:"rerank_enabled"`

	// RerankCandidates is how many fused results are sent to the reranker.
	RerankCandidates int `yaml:"rerank_candidates"`

	// RerankServiceURL is the reranker endpoint base URL.
	RerankServiceURL string `yaml:"rerank_service_url"`

	// RerankTimeout per rerank call.
	RerankTimeout Duration `yaml:"rerank_timeout"`
}

// GPUConfig configures device management and the cross-process phase lock.
type GPUConfig struct {
	// LockPath is the phase-lock file path.
	LockPath string `yaml:"lock_path"`

	// LockTimeout bounds waits for the phase lock.
	LockTimeout Duration `yaml:"lock_timeout"`

	// MultiInstance maps device index to a dedicated LLM endpoint port.
	MultiInstance bool `yaml:"multi_instance"`

	// BasePort is the first LLM instance port.
	BasePort int `yaml:"base_port"`

	// NumInstances is the number of device-pinned LLM instances.
	NumInstances int `yaml:"num_instances"`

	// LLMEndpoint is the single-instance LLM base URL.
	LLMEndpoint string `yaml:"llm_endpoint"`
}

// AnalyzerConfig configures the parallel document analyzer.
type AnalyzerConfig struct {
	// Model used for batch analysis calls.
	Model string `yaml:"model"`

	// Timeout per batch analysis call.
	Timeout Duration `yaml:"timeout"`

	// SizeThresholdMB triggers parallel analysis above this document size.
	SizeThresholdMB float64 `yaml:"size_threshold_mb"`

	// PagesPerBatch groups pages into one LLM call.
	PagesPerBatch int `yaml:"pages_per_batch"`

	// MinFreeMB is the free-memory floor for analysis devices.
	MinFreeMB int `yaml:"min_free_mb"`

	// MaxTemp is the temperature ceiling for analysis devices.
	MaxTemp int `yaml:"max_temp"`

	// JobMaxAge is how long finished async jobs are kept before GC.
	JobMaxAge Duration `yaml:"job_max_age"`
}

// WebhookConfig configures the status reporter.
type WebhookConfig struct {
	// URL is the status webhook target. Empty disables delivery.
	URL string `yaml:"url"`

	// Secret is sent as X-Webhook-Secret when non-empty.
	Secret string `yaml:"secret"`

	// Timeout per webhook POST.
	Timeout Duration `yaml:"timeout"`

	// Enabled toggles delivery globally.
	Enabled bool `yaml:"enabled"`

	// FireAndForget drops updates instead of blocking when the queue is full.
	FireAndForget bool `yaml:"fire_and_forget"`

	// QueueSize is the in-process buffer drained by the sender.
	QueueSize int `yaml:"queue_size"`
}

// WorkerConfig configures the job queue worker loop.
type WorkerConfig struct {
	// PollInterval between claim attempts when the queue is empty.
	PollInterval Duration `yaml:"poll_interval"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			AnalyzerPort:    9100,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			URL:          "datafactory.db",
			MaxOpenConns: 4,
			BusyTimeout:  Duration(30 * time.Second),
		},
		Index: IndexConfig{
			Dir:      "indices",
			WatchDir: true,
		},
		Embedding: EmbeddingConfig{
			ModelName:           "BAAI/bge-m3",
			Version:             "v1",
			Dimension:           0, // auto-detect
			Endpoint:            "http://localhost:7997",
			Timeout:             Duration(60 * time.Second),
			BatchSize:           32,
			MaxParallelDevices:  6,
			MinFreeMB:           2000,
			MaxTemp:             75,
			MinTextsForParallel: 10,
			CacheSize:           4096,
		},
		Enrich: EnrichConfig{
			Enabled:    true,
			Model:      "llama3.1:8b",
			Endpoint:   "http://localhost:11434",
			Timeout:    Duration(30 * time.Second),
			MaxWorkers: 4,
		},
		Search: SearchConfig{
			DenseWeight:      0.7,
			SparseWeight:     0.3,
			RRFConstant:      60,
			HybridEnabled:    true,
			RerankEnabled:    false,
			RerankCandidates: 20,
			RerankServiceURL: "http://localhost:9200",
			RerankTimeout:    Duration(30 * time.Second),
		},
		GPU: GPUConfig{
			LockPath:      filepath.Join(os.TempDir(), "datafactory_gpu_exclusive.lock"),
			LockTimeout:   Duration(15 * time.Minute),
			MultiInstance: true,
			BasePort:      11434,
			NumInstances:  4,
			LLMEndpoint:   "http://localhost:11434",
		},
		Analyzer: AnalyzerConfig{
			Model:           "llama3.1:70b",
			Timeout:         Duration(60 * time.Second),
			SizeThresholdMB: 3,
			PagesPerBatch:   5,
			MinFreeMB:       6000,
			MaxTemp:         75,
			JobMaxAge:       Duration(time.Hour),
		},
		Webhook: WebhookConfig{
			URL:           "",
			Timeout:       Duration(5 * time.Second),
			Enabled:       true,
			FireAndForget: true,
			QueueSize:     256,
		},
		Worker: WorkerConfig{
			PollInterval: Duration(time.Second),
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment.
func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Index.Dir, "INDEX_DIR")
	setString(&c.Embedding.Version, "EMBEDDING_VERSION")
	setString(&c.Embedding.ModelName, "EMBED_MODEL_NAME")
	setString(&c.Embedding.Endpoint, "EMBEDDING_ENDPOINT")
	setInt(&c.Embedding.MaxParallelDevices, "MAX_PARALLEL_GPUS")
	setInt(&c.Embedding.MinFreeMB, "MIN_FREE_MB_FOR_EMBED")
	setInt(&c.Embedding.MaxTemp, "MAX_GPU_TEMP_EMBED")
	setInt(&c.Embedding.BatchSize, "BATCH_SIZE_PER_GPU")

	setBool(&c.Enrich.Enabled, "CONTEXT_ENABLED")
	setString(&c.Enrich.Model, "CONTEXT_MODEL")
	setSeconds(&c.Enrich.Timeout, "CONTEXT_TIMEOUT")

	setBool(&c.Search.RerankEnabled, "RERANK_ENABLED")
	setInt(&c.Search.RerankCandidates, "RERANK_CANDIDATES")
	setString(&c.Search.RerankServiceURL, "RERANK_SERVICE_URL")

	setString(&c.GPU.LockPath, "AI3_GPU_LOCK_PATH")
	setSeconds(&c.GPU.LockTimeout, "AI3_GPU_LOCK_TIMEOUT_SEC")
	setBool(&c.GPU.MultiInstance, "OLLAMA_MULTI_GPU")
	setInt(&c.GPU.BasePort, "OLLAMA_BASE_PORT")
	setInt(&c.GPU.NumInstances, "OLLAMA_NUM_INSTANCES")
	setString(&c.GPU.LLMEndpoint, "OLLAMA_BASE_URL")
	setString(&c.Analyzer.Model, "OLLAMA_MODEL")
	setSeconds(&c.Analyzer.Timeout, "OLLAMA_TIMEOUT")

	setString(&c.Webhook.URL, "AI4_WEBHOOK_URL")
	setString(&c.Webhook.Secret, "AI4_WEBHOOK_SECRET")
	setSeconds(&c.Webhook.Timeout, "WEBHOOK_TIMEOUT")
	setBool(&c.Webhook.Enabled, "WEBHOOK_ENABLED")
	setBool(&c.Webhook.FireAndForget, "WEBHOOK_FIRE_AND_FORGET")
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must not be empty")
	}
	if c.Index.Dir == "" {
		return fmt.Errorf("index.dir must not be empty")
	}
	if c.Embedding.Version == "" {
		return fmt.Errorf("embedding.version must not be empty")
	}
	if c.Search.DenseWeight < 0 || c.Search.SparseWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive")
	}
	if c.Analyzer.PagesPerBatch <= 0 {
		return fmt.Errorf("analyzer.pages_per_batch must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

// setSeconds parses an integer or float number of seconds.
func setSeconds(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = Duration(f * float64(time.Second))
		}
	}
}
