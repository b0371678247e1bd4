package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// Task identifies what kind of workload wants the GPUs next.
type Task string

const (
	TaskOllamaAnalysis   Task = "OLLAMA_ANALYSIS"
	TaskOllamaEnrichment Task = "OLLAMA_ENRICHMENT"
	TaskPytorchEmbedding Task = "PYTORCH_EMBEDDING"
	TaskPytorchReranking Task = "PYTORCH_RERANKING"
	TaskIdle             Task = "IDLE"
)

func isLLMTask(t Task) bool {
	return t == TaskOllamaAnalysis || t == TaskOllamaEnrichment
}

func isFrameworkTask(t Task) bool {
	return t == TaskPytorchEmbedding || t == TaskPytorchReranking
}

// Device is one entry of the GPU inventory.
type Device struct {
	Index       int     `json:"index"`
	TotalMB     int     `json:"total_mb"`
	FreeMB      int     `json:"free_mb"`
	Utilization int     `json:"utilization_pct"`
	Temperature float64 `json:"temperature_c"`
}

// InventoryFunc queries the current device inventory.
type InventoryFunc func(ctx context.Context) ([]Device, error)

// CleanupFunc asks an external runtime to free GPU memory. Best
// effort; errors are logged, never propagated.
type CleanupFunc func(ctx context.Context) error

const cooldownPollInterval = 2 * time.Second

// Manager selects devices per task and performs inter-task memory
// hygiene. State is process-local; cross-process exclusion is the
// phase lock's job.
type Manager struct {
	inventory InventoryFunc
	logger    *slog.Logger

	// UnloadLLM asks the LLM runtime to unload resident models.
	UnloadLLM CleanupFunc
	// FreeFrameworkCaches asks the embedding/reranking runtime to
	// release cached GPU memory.
	FreeFrameworkCaches CleanupFunc

	// Defaults applied by UsableDevices.
	MinFreeMB  int
	MaxTemp    float64
	MaxDevices int

	mu      sync.Mutex
	current Task
}

// NewManager creates a manager. A nil inventory uses nvidia-smi.
func NewManager(inventory InventoryFunc, logger *slog.Logger) *Manager {
	if inventory == nil {
		inventory = NvidiaSMIInventory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		inventory: inventory,
		logger:    logger,
		current:   TaskIdle,
	}
}

// NvidiaSMIInventory shells out to nvidia-smi for the device list.
func NvidiaSMIInventory(ctx context.Context) ([]Device, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.total,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi line: %q", line)
		}
		var d Device
		for i, dst := range []*int{&d.Index, &d.TotalMB, &d.FreeMB, &d.Utilization} {
			v, err := strconv.Atoi(strings.TrimSpace(fields[i]))
			if err != nil {
				return nil, fmt.Errorf("failed to parse nvidia-smi field %d: %w", i, err)
			}
			*dst = v
		}
		temp, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse temperature: %w", err)
		}
		d.Temperature = temp
		devices = append(devices, d)
	}
	return devices, nil
}

// Devices returns the raw inventory.
func (m *Manager) Devices(ctx context.Context) ([]Device, error) {
	return m.inventory(ctx)
}

// Free returns devices with at least minFreeMB free memory and, when
// maxTemp > 0, temperature at or below it, sorted by free memory
// descending.
func (m *Manager) Free(ctx context.Context, minFreeMB int, maxTemp float64) ([]Device, error) {
	devices, err := m.inventory(ctx)
	if err != nil {
		return nil, err
	}

	var free []Device
	for _, d := range devices {
		if d.FreeMB < minFreeMB {
			continue
		}
		if maxTemp > 0 && d.Temperature > maxTemp {
			continue
		}
		free = append(free, d)
	}
	sort.Slice(free, func(a, b int) bool { return free[a].FreeMB > free[b].FreeMB })
	return free, nil
}

// Best returns the device with the most free memory satisfying the
// floor.
func (m *Manager) Best(ctx context.Context, minFreeMB int) (*Device, error) {
	free, err := m.Free(ctx, minFreeMB, 0)
	if err != nil {
		return nil, err
	}
	if len(free) == 0 {
		return nil, dferrors.New(dferrors.ErrCodeEmbedUnavailable,
			fmt.Sprintf("no device with %d MB free", minFreeMB), nil)
	}
	return &free[0], nil
}

// Coolest returns the coolest device satisfying the memory floor.
func (m *Manager) Coolest(ctx context.Context, minFreeMB int) (*Device, error) {
	free, err := m.Free(ctx, minFreeMB, 0)
	if err != nil {
		return nil, err
	}
	if len(free) == 0 {
		return nil, dferrors.New(dferrors.ErrCodeEmbedUnavailable,
			fmt.Sprintf("no device with %d MB free", minFreeMB), nil)
	}
	coolest := free[0]
	for _, d := range free[1:] {
		if d.Temperature < coolest.Temperature {
			coolest = d
		}
	}
	return &coolest, nil
}

// WaitForCooldown polls until the device's temperature is at or below
// maxTemp, or the timeout elapses.
func (m *Manager) WaitForCooldown(ctx context.Context, index int, maxTemp float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		devices, err := m.inventory(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.Index == index && d.Temperature <= maxTemp {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return dferrors.New(dferrors.ErrCodeDependencyTimeout,
				fmt.Sprintf("device %d did not cool below %.0fC within %s", index, maxTemp, timeout), nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldownPollInterval):
		}
	}
}

// AcquireFor records the next task and performs the inter-task
// cleanup rule: LLM to framework unloads LLM models, framework to
// LLM frees framework caches. Cleanup failures never block the
// acquisition.
func (m *Manager) AcquireFor(ctx context.Context, task Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	if prev != task {
		switch {
		case isLLMTask(prev) && isFrameworkTask(task):
			m.runCleanup(ctx, "llm_models_unload", m.UnloadLLM)
		case isFrameworkTask(prev) && isLLMTask(task):
			m.runCleanup(ctx, "framework_caches_free", m.FreeFrameworkCaches)
		}
	}
	m.current = task
	m.logger.Debug("gpu_task_switched",
		slog.String("from", string(prev)),
		slog.String("to", string(task)))
}

// Release marks the GPUs idle.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = TaskIdle
}

// Current returns the task recorded by the last AcquireFor.
func (m *Manager) Current() Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) runCleanup(ctx context.Context, name string, fn CleanupFunc) {
	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		m.logger.Warn("gpu_cleanup_failed",
			slog.String("cleanup", name),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("gpu_cleanup_done", slog.String("cleanup", name))
}

// UsableDevices implements the embedder pool's device picker using
// the manager's configured floors. An empty result means the caller
// falls back to its default device.
func (m *Manager) UsableDevices(ctx context.Context) []int {
	free, err := m.Free(ctx, m.MinFreeMB, m.MaxTemp)
	if err != nil {
		m.logger.Warn("gpu_inventory_failed", slog.String("error", err.Error()))
		return nil
	}
	if m.MaxDevices > 0 && len(free) > m.MaxDevices {
		free = free[:m.MaxDevices]
	}
	indices := make([]int, len(free))
	for i, d := range free {
		indices[i] = d.Index
	}
	return indices
}

// AwaitUsableDevice handles the all-devices-hot case: it picks the
// coolest device that still satisfies the memory floor and waits for
// it to drop below the temperature ceiling. Returns the device index
// once it is usable.
func (m *Manager) AwaitUsableDevice(ctx context.Context, timeout time.Duration) (int, error) {
	coolest, err := m.Coolest(ctx, m.MinFreeMB)
	if err != nil {
		return 0, err
	}
	if m.MaxTemp > 0 && coolest.Temperature > m.MaxTemp {
		m.logger.Info("gpu_cooldown_wait",
			slog.Int("device", coolest.Index),
			slog.Float64("temperature_c", coolest.Temperature),
			slog.Float64("max_temp_c", m.MaxTemp))
		if err := m.WaitForCooldown(ctx, coolest.Index, m.MaxTemp, timeout); err != nil {
			return 0, err
		}
	}
	return coolest.Index, nil
}
