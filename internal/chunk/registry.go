package chunk

import (
	"log/slog"
	"strings"
	"sync"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

// Registry holds named chunking strategies and selects among them.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		strategies: make(map[string]Strategy),
		logger:     logger,
	}
}

// NewDefaultRegistry creates a registry with all built-in strategies.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, s := range []Strategy{
		&DefaultStrategy{},
		&FreeTextStrategy{},
		&PageAwareStrategy{},
		&SemanticSectionsStrategy{},
		&ConversationStrategy{},
		&TableAwareStrategy{},
		&FinancialTablesStrategy{},
		&LegalStrategy{},
		&AdministrativeStrategy{},
		&ReviewsStrategy{},
		&MenusStrategy{},
	} {
		r.Register(s)
	}
	return r
}

// Register adds a strategy. Re-registering a name replaces the
// strategy but keeps its original position in the tie-break order.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[s.Name()]; !exists {
		r.order = append(r.order, s.Name())
	}
	r.strategies[s.Name()] = s
	r.logger.Debug("strategy_registered", slog.String("strategy", s.Name()))
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// List returns info for all registered strategies in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		s := r.strategies[name]
		infos = append(infos, Info{
			Name:          s.Name(),
			Description:   s.Description(),
			DefaultConfig: s.DefaultConfig(),
		})
	}
	return infos
}

// Detect scores all strategies against a sample of text and returns
// the best match. Ties go to the earliest registered strategy.
func (r *Registry) Detect(text string, meta Metadata) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "", dferrors.New(dferrors.ErrCodeNoStrategies, "no chunking strategies registered", nil)
	}

	sm := sample(text, SampleSize)
	best := r.order[0]
	bestScore := -1.0

	for _, name := range r.order {
		score := r.strategies[name].Applicability(sm, meta)
		r.logger.Debug("strategy_scored",
			slog.String("strategy", name),
			slog.Float64("score", score))
		if score > bestScore {
			best = name
			bestScore = score
		}
	}

	r.logger.Debug("strategy_selected",
		slog.String("strategy", best),
		slog.Float64("score", bestScore))
	return best, nil
}

// Options controls a single Chunk call. A zero Strategy triggers
// auto-detection; zero Config fields fall back to strategy defaults.
type Options struct {
	Strategy string
	Config   Config
	Metadata Metadata
}

// Chunk splits text with the named or auto-detected strategy.
// Degenerate input (empty or whitespace-only) yields no chunks.
// A strategy failure falls back to the default strategy; a default
// strategy failure is surfaced.
func (r *Registry) Chunk(text string, opts Options) ([]string, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, opts.Strategy, nil
	}

	name := opts.Strategy
	if name == "" {
		detected, err := r.Detect(text, opts.Metadata)
		if err != nil {
			return nil, "", err
		}
		name = detected
	}

	strategy, ok := r.Get(name)
	if !ok {
		r.logger.Warn("strategy_unknown", slog.String("strategy", name))
		fallback, fbOK := r.Get("default")
		if !fbOK {
			return nil, "", dferrors.New(dferrors.ErrCodeNoStrategies,
				"unknown strategy and no default registered", nil).WithDetail("strategy", name)
		}
		strategy = fallback
		name = strategy.Name()
	}

	cfg := merged(strategy.DefaultConfig(), opts.Config)

	chunks, err := strategy.Chunk(text, cfg)
	if err == nil && len(chunks) == 0 {
		// Zero chunks for non-empty text is treated as a failure.
		err = dferrors.New(dferrors.ErrCodeChunkingFailed, "strategy produced no chunks", nil).
			WithDetail("strategy", name)
	}
	if err != nil {
		if name == "default" {
			return nil, name, dferrors.Wrap(dferrors.ErrCodeChunkingFailed, err)
		}
		r.logger.Warn("strategy_fallback",
			slog.String("strategy", name),
			slog.String("error", err.Error()))
		fallback, fbOK := r.Get("default")
		if !fbOK {
			return nil, name, dferrors.Wrap(dferrors.ErrCodeChunkingFailed, err)
		}
		chunks, err = fallback.Chunk(text, cfg)
		if err != nil {
			return nil, name, dferrors.Wrap(dferrors.ErrCodeChunkingFailed, err)
		}
		name = fallback.Name()
	}

	return chunks, name, nil
}
