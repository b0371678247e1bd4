// Package search answers tenant-scoped queries: dense nearest
// neighbour lookup, optional BM25 fusion, optional cross-encoder
// reranking.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
	"github.com/dasol-ai/datafactory/internal/store"
	"github.com/dasol-ai/datafactory/internal/vecindex"
)

// LexicalResult is one BM25 hit.
type LexicalResult struct {
	ChunkID string
	Score   float64
}

// BM25Sidecar keeps one bleve index per vector index key, used for
// hybrid fusion. An empty dir builds in-memory indexes.
type BM25Sidecar struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	cache  map[vecindex.Key]bleve.Index
	closed bool
}

// NewBM25Sidecar creates a sidecar rooted at dir. Indexes are opened
// lazily on first use.
func NewBM25Sidecar(dir string, logger *slog.Logger) *BM25Sidecar {
	if logger == nil {
		logger = slog.Default()
	}
	return &BM25Sidecar{
		dir:    dir,
		logger: logger,
		cache:  make(map[vecindex.Key]bleve.Index),
	}
}

func (s *BM25Sidecar) path(key vecindex.Key) string {
	return filepath.Join(s.dir, key.Filename()+".bleve")
}

func (s *BM25Sidecar) open(key vecindex.Key) (bleve.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, dferrors.New(dferrors.ErrCodeStoreClosed, "bm25 sidecar is closed", nil)
	}
	if idx, ok := s.cache[key]; ok {
		return idx, nil
	}

	var idx bleve.Index
	var err error
	if s.dir == "" {
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		path := s.path(key)
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bm25 index: %w", err)
	}

	s.cache[key] = idx
	return idx, nil
}

// Exists reports whether a BM25 index is present for the key.
func (s *BM25Sidecar) Exists(key vecindex.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; ok {
		return true
	}
	if s.dir == "" {
		return false
	}
	info, err := os.Stat(s.path(key))
	return err == nil && info.IsDir()
}

type lexicalDoc struct {
	Content string `json:"content"`
}

// IndexChunks adds or replaces chunks in the key's BM25 index.
func (s *BM25Sidecar) IndexChunks(_ context.Context, key vecindex.Key, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	idx, err := s.open(key)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	for _, ch := range chunks {
		if err := batch.Index(ch.ChunkID, lexicalDoc{Content: ch.Text}); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", ch.ChunkID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute bm25 batch: %w", err)
	}
	return nil
}

// DeleteChunks removes chunk ids from the key's BM25 index.
func (s *BM25Sidecar) DeleteChunks(_ context.Context, key vecindex.Key, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	idx, err := s.open(key)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete from bm25 index: %w", err)
	}
	return nil
}

// Rebuild replaces the key's BM25 index with one built from the given
// chunks only.
func (s *BM25Sidecar) Rebuild(ctx context.Context, key vecindex.Key, chunks []*store.Chunk) error {
	s.mu.Lock()
	if idx, ok := s.cache[key]; ok {
		_ = idx.Close()
		delete(s.cache, key)
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.path(key)); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to clear bm25 index: %w", err)
		}
	}
	s.mu.Unlock()

	if err := s.IndexChunks(ctx, key, chunks); err != nil {
		return err
	}
	s.logger.Info("bm25_rebuilt",
		slog.String("key", key.String()),
		slog.Int("chunks", len(chunks)))
	return nil
}

// Search returns up to limit BM25 hits for the query.
func (s *BM25Sidecar) Search(ctx context.Context, key vecindex.Key, query string, limit int) ([]LexicalResult, error) {
	if strings.TrimSpace(query) == "" {
		return []LexicalResult{}, nil
	}
	idx, err := s.open(key)
	if err != nil {
		return nil, err
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	req := bleve.NewSearchRequest(match)
	req.Size = limit

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, dferrors.New(dferrors.ErrCodeSearchFailed, "bm25 search failed", err)
	}

	results := make([]LexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, LexicalResult{ChunkID: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Close closes every open index.
func (s *BM25Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for key, idx := range s.cache {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.cache, key)
	}
	return firstErr
}
