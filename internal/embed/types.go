// Package embed computes vector embeddings for chunk and query text.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts per embedding request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts per request.
	DefaultMaxRetries = 3

	// DefaultCacheSize is the default LRU entry count for the cached
	// embedder wrapper.
	DefaultCacheSize = 4096

	// DefaultMinTextsForParallel is the smallest workload worth
	// fanning out across devices.
	DefaultMinTextsForParallel = 10
)

// Embedder generates vector embeddings for text. Returned vectors are
// L2-normalized so inner product equals cosine similarity.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks whether the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Normalize scales a vector to unit length. Zero vectors are returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
