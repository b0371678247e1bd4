package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// CPUDevice is the pseudo device id of the CPU fallback worker.
const CPUDevice = -1

// Factory creates a worker embedder bound to one device. CPUDevice
// requests the fallback encoder.
type Factory func(device int) (Embedder, error)

// DevicePicker reports which devices are currently usable for
// embedding. The default policy filters by free memory and
// temperature.
type DevicePicker interface {
	UsableDevices(ctx context.Context) []int
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// MinTextsForParallel is the smallest workload worth fanning out.
	MinTextsForParallel int
	// MaxDevices caps how many devices a single call uses.
	MaxDevices int
}

// EmbedOptions tune one Embed call.
type EmbedOptions struct {
	// CleanupBefore runs once before any worker starts, typically a
	// GPU task switch.
	CleanupBefore func(ctx context.Context) error
	// CleanupAfter runs once after all workers finish.
	CleanupAfter func(ctx context.Context) error
}

// Pool distributes embedding work across device-bound workers. Each
// worker lazily creates one model client and keeps it for the life of
// the pool. Slices are contiguous, so output order equals input order.
type Pool struct {
	factory Factory
	picker  DevicePicker
	opts    PoolOptions
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[int]Embedder
	closed  bool
}

// NewPool creates a pool. picker may be nil, which pins all work to
// device zero.
func NewPool(factory Factory, picker DevicePicker, opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.MinTextsForParallel <= 0 {
		opts.MinTextsForParallel = DefaultMinTextsForParallel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		picker:  picker,
		opts:    opts,
		logger:  logger,
		workers: make(map[int]Embedder),
	}
}

func (p *Pool) worker(device int) (Embedder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, dferrors.New(dferrors.ErrCodeEmbedUnavailable, "embedder pool is closed", nil)
	}
	if w, ok := p.workers[device]; ok {
		return w, nil
	}

	w, err := p.factory(device)
	if err != nil {
		return nil, dferrors.New(dferrors.ErrCodeEmbedUnavailable,
			fmt.Sprintf("failed to create embedder for device %d", device), err)
	}
	p.workers[device] = w
	p.logger.Info("embed_worker_created", slog.Int("device", device))
	return w, nil
}

// Embed computes embeddings for texts, preserving input order.
func (p *Pool) Embed(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if opts.CleanupBefore != nil {
		if err := opts.CleanupBefore(ctx); err != nil {
			p.logger.Warn("embed_cleanup_before_failed", slog.String("error", err.Error()))
		}
	}
	defer func() {
		if opts.CleanupAfter != nil {
			if err := opts.CleanupAfter(ctx); err != nil {
				p.logger.Warn("embed_cleanup_after_failed", slog.String("error", err.Error()))
			}
		}
	}()

	devices := p.pickDevices(ctx)

	if len(texts) < p.opts.MinTextsForParallel || len(devices) == 1 {
		return p.embedSlice(ctx, devices[0], texts)
	}

	// Contiguous ceil(n/workers) slices, one per device.
	sliceSize := (len(texts) + len(devices) - 1) / len(devices)
	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	for i, device := range devices {
		start := i * sliceSize
		if start >= len(texts) {
			break
		}
		end := start + sliceSize
		if end > len(texts) {
			end = len(texts)
		}
		device := device
		slice := texts[start:end]
		offset := start

		g.Go(func() error {
			vecs, err := p.embedSlice(gctx, device, slice)
			if err != nil {
				return err
			}
			copy(results[offset:], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EmbedBatch embeds texts with default options. It adapts the pool to
// the coordinator's and search engine's embedder surface.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.Embed(ctx, texts, EmbedOptions{})
}

// embedSlice embeds one slice on one device, retrying the whole slice
// on the CPU fallback when the device worker fails.
func (p *Pool) embedSlice(ctx context.Context, device int, texts []string) ([][]float32, error) {
	w, err := p.worker(device)
	if err == nil {
		vecs, embedErr := w.EmbedBatch(ctx, texts)
		if embedErr == nil {
			return vecs, nil
		}
		err = embedErr
	}
	if device == CPUDevice {
		return nil, err
	}

	p.logger.Warn("embed_worker_failed",
		slog.Int("device", device),
		slog.Int("texts", len(texts)),
		slog.String("error", err.Error()))

	fallback, fbErr := p.worker(CPUDevice)
	if fbErr != nil {
		return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("device %d failed and no CPU fallback", device), err)
	}
	vecs, fbErr := fallback.EmbedBatch(ctx, texts)
	if fbErr != nil {
		return nil, dferrors.New(dferrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("device %d and CPU fallback both failed", device), fbErr)
	}
	p.logger.Info("embed_cpu_fallback_used", slog.Int("texts", len(texts)))
	return vecs, nil
}

func (p *Pool) pickDevices(ctx context.Context) []int {
	var devices []int
	if p.picker != nil {
		devices = p.picker.UsableDevices(ctx)
	}
	if len(devices) == 0 {
		devices = []int{0}
	}
	if p.opts.MaxDevices > 0 && len(devices) > p.opts.MaxDevices {
		devices = devices[:p.opts.MaxDevices]
	}
	return devices
}

// Dimensions returns the dimension reported by any live worker, zero
// when none exists yet.
func (p *Pool) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if d := w.Dimensions(); d > 0 {
			return d
		}
	}
	return 0
}

// Close closes all workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	for device, w := range p.workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.workers, device)
	}
	return firstErr
}
