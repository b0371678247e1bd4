package search

import (
	"context"
	"log/slog"
	"sort"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// DefaultTopK is used when a request does not name one.
const DefaultTopK = 10

// Embedder is the query embedding surface the engine needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the engine.
type Config struct {
	DefaultVersion   string
	RerankEnabled    bool
	RerankCandidates int
	FusionWeights    Weights
	RRFConstant      int
}

// Request is one search call.
type Request struct {
	Tenant           string `json:"tenant"`
	Namespace        string `json:"namespace"`
	Query            string `json:"query"`
	TopK             int    `json:"top_k"`
	EmbeddingVersion string `json:"embedding_version,omitempty"`
}

// Hit is one returned chunk.
type Hit struct {
	ChunkID  string            `json:"chunk_id"`
	DocID    string            `json:"doc_id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is the search result set.
type Response struct {
	Chunks     []*Hit `json:"chunks"`
	TotalFound int    `json:"total_found"`
}

// Engine runs dense retrieval with optional hybrid fusion and
// reranking. The lexical sidecar and reranker may be nil.
type Engine struct {
	store    *store.SQLiteStore
	indexes  *vecindex.Manager
	embedder Embedder
	lexical  *BM25Sidecar
	reranker Reranker
	fusion   *RRFFusion
	config   Config
	logger   *slog.Logger
}

// NewEngine wires the engine.
func NewEngine(st *store.SQLiteStore, indexes *vecindex.Manager, embedder Embedder, lexical *BM25Sidecar, reranker Reranker, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RerankCandidates <= 0 {
		cfg.RerankCandidates = DefaultRerankCandidates
	}
	if cfg.FusionWeights == (Weights{}) {
		cfg.FusionWeights = DefaultWeights
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		indexes:  indexes,
		embedder: embedder,
		lexical:  lexical,
		reranker: reranker,
		fusion:   &RRFFusion{K: cfg.RRFConstant, Weights: cfg.FusionWeights},
		config:   cfg,
		logger:   logger,
	}
}

// Search answers one query. Deleted chunks never appear in the
// result, even before a rebuild compacts their vectors away.
func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	switch {
	case req.Tenant == "":
		return nil, dferrors.ValidationError("tenant is required", nil)
	case req.Namespace == "":
		return nil, dferrors.ValidationError("namespace is required", nil)
	case req.Query == "":
		return nil, dferrors.ValidationError("query is required", nil)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	version := req.EmbeddingVersion
	if version == "" {
		version = e.config.DefaultVersion
	}

	key := vecindex.Key{Tenant: req.Tenant, Namespace: req.Namespace, Version: version}
	idx, err := e.indexes.Load(key, 0)
	if err != nil {
		return nil, err
	}
	ntotal := int(idx.Len())
	if ntotal == 0 {
		return &Response{Chunks: []*Hit{}}, nil
	}

	vectors, err := e.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeSearchFailed, err)
	}
	if len(vectors) != 1 {
		return nil, dferrors.New(dferrors.ErrCodeSearchFailed,
			"embedder returned wrong vector count for query", nil)
	}

	// Over-fetch so the deleted filter still leaves top_k live hits.
	kPrime := topK * 3
	if kPrime > ntotal {
		kPrime = ntotal
	}
	neighbors, err := idx.Search(vectors[0], kPrime)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeSearchFailed, err)
	}

	faissIDs := make([]int64, len(neighbors))
	for i, n := range neighbors {
		faissIDs[i] = n.ID
	}
	live, err := e.store.ChunksByFaissIDs(ctx, req.Tenant, req.Namespace, version, faissIDs)
	if err != nil {
		return nil, err
	}

	// Dense candidates in index order, deleted rows dropped.
	dense := make([]Ranked, 0, len(neighbors))
	byID := make(map[string]*store.Chunk, len(neighbors))
	for _, n := range neighbors {
		ch, ok := live[n.ID]
		if !ok {
			continue
		}
		dense = append(dense, Ranked{ChunkID: ch.ChunkID, Score: float64(n.Score)})
		byID[ch.ChunkID] = ch
	}

	ordered := dense
	if e.lexical != nil && e.lexical.Exists(key) {
		ordered, err = e.fuse(ctx, key, req.Query, dense, byID, kPrime)
		if err != nil {
			return nil, err
		}
	}

	totalFound := len(ordered)
	// Reranking scores a wider pool than top_k so the cross-encoder
	// can promote chunks the retrieval ordering buried. The rerank
	// step cuts the result back to top_k after re-sorting.
	keep := topK
	if e.config.RerankEnabled && e.reranker != nil && e.config.RerankCandidates > keep {
		keep = e.config.RerankCandidates
	}
	if len(ordered) > keep {
		ordered = ordered[:keep]
	}

	hits := make([]*Hit, 0, len(ordered))
	for _, r := range ordered {
		ch := byID[r.ChunkID]
		if ch == nil {
			continue
		}
		hits = append(hits, &Hit{
			ChunkID:  ch.ChunkID,
			DocID:    ch.DocID,
			Text:     ch.Text,
			Score:    r.Score,
			Metadata: cloneMetadata(ch.Metadata),
		})
	}

	hits = e.rerank(ctx, req.Query, hits, topK)

	e.logger.Debug("search_done",
		slog.String("tenant", req.Tenant),
		slog.String("namespace", req.Namespace),
		slog.Int("top_k", topK),
		slog.Int("returned", len(hits)),
		slog.Int("total_found", totalFound))
	return &Response{Chunks: hits, TotalFound: totalFound}, nil
}

// fuse merges the dense candidates with BM25 hits and resolves any
// lexical-only chunks through the store.
func (e *Engine) fuse(ctx context.Context, key vecindex.Key, query string, dense []Ranked, byID map[string]*store.Chunk, limit int) ([]Ranked, error) {
	lexical, err := e.lexical.Search(ctx, key, query, limit)
	if err != nil {
		e.logger.Warn("search_lexical_skipped",
			slog.String("key", key.String()),
			slog.String("error", err.Error()))
		return dense, nil
	}

	sparse := make([]Ranked, 0, len(lexical))
	var unresolved []string
	for _, r := range lexical {
		sparse = append(sparse, Ranked{ChunkID: r.ChunkID, Score: r.Score})
		if _, ok := byID[r.ChunkID]; !ok {
			unresolved = append(unresolved, r.ChunkID)
		}
	}
	if len(unresolved) > 0 {
		resolved, err := e.store.ChunksByIDs(ctx, unresolved)
		if err != nil {
			return nil, err
		}
		for id, ch := range resolved {
			byID[id] = ch
		}
	}

	fused := e.fusion.Fuse(dense, sparse)
	ordered := make([]Ranked, 0, len(fused))
	for _, f := range fused {
		// BM25 entries for chunks deleted since their last index
		// update do not resolve; drop them.
		if _, ok := byID[f.ChunkID]; !ok {
			continue
		}
		ordered = append(ordered, Ranked{ChunkID: f.ChunkID, Score: f.Score})
	}
	return ordered, nil
}

// rerank rescoring: the top candidates get cross-encoder scores, are
// re-sorted, and tagged. Reranker failure degrades to the original
// order.
func (e *Engine) rerank(ctx context.Context, query string, hits []*Hit, topK int) []*Hit {
	if !e.config.RerankEnabled || e.reranker == nil || len(hits) == 0 {
		return hits
	}

	n := e.config.RerankCandidates
	if n > len(hits) {
		n = len(hits)
	}
	items := make([]RerankItem, n)
	for i, h := range hits[:n] {
		items[i] = RerankItem{ID: h.ChunkID, Text: h.Text}
	}

	reranked, err := e.reranker.Rerank(ctx, query, items, 0)
	if err != nil {
		e.logger.Warn("search_rerank_skipped", slog.String("error", err.Error()))
		if len(hits) > topK {
			hits = hits[:topK]
		}
		return hits
	}

	scores := make(map[string]float64, len(reranked))
	for _, item := range reranked {
		scores[item.ID] = item.Score
	}
	for _, h := range hits[:n] {
		if score, ok := scores[h.ChunkID]; ok {
			h.Score = score
			if h.Metadata == nil {
				h.Metadata = map[string]string{}
			}
			h.Metadata["reranked"] = "true"
		}
	}
	sort.SliceStable(hits[:n], func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
