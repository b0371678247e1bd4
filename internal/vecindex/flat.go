// Package vecindex owns on-disk vector indices and maps chunk
// identifiers to positions within them.
//
// The index type is a flat inner-product scan. Rebuild semantics
// depend on deterministic positional ids, which rules out graph
// indexes.
package vecindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	dferrors "github.com/dasol-ai/datafactory/internal/errors"
)

const (
	fileMagic   = "DFVI"
	fileVersion = uint32(1)
)

// Result is one nearest neighbour hit. Score is the inner product,
// which equals cosine similarity for normalized vectors.
type Result struct {
	ID    int64
	Score float32
}

// Flat is a flat inner-product index over float32 vectors. Positions
// are assigned sequentially starting at zero and never reused.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	vectors []float32 // row-major, len = count*dim
	count   int64
}

// NewFlat constructs an empty index. A dimension of zero means the
// dimension is adopted from the first Add.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Dimension returns the vector dimension, zero while undetermined.
func (f *Flat) Dimension() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Add appends vectors and returns their assigned positions, a
// contiguous range starting at the prior count. Vectors must be
// L2-normalized by the caller.
func (f *Flat) Add(vectors [][]float32) ([]int64, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dim == 0 {
		f.dim = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != f.dim {
			return nil, dferrors.New(dferrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected dimension %d, got %d", f.dim, len(v)), nil)
		}
	}

	ids := make([]int64, len(vectors))
	for i, v := range vectors {
		ids[i] = f.count + int64(i)
		f.vectors = append(f.vectors, v...)
	}
	f.count += int64(len(vectors))
	return ids, nil
}

// Search returns the k highest inner-product matches in descending
// score order. k is clamped to the stored vector count.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != f.dim {
		return nil, dferrors.New(dferrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected dimension %d, got %d", f.dim, len(query)), nil)
	}
	if int64(k) > f.count {
		k = int(f.count)
	}

	results := make([]Result, f.count)
	for i := int64(0); i < f.count; i++ {
		row := f.vectors[i*int64(f.dim) : (i+1)*int64(f.dim)]
		var score float32
		for j, q := range query {
			score += q * row[j]
		}
		results[i] = Result{ID: i, Score: score}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].ID < results[b].ID
	})
	return results[:k], nil
}

// Truncate discards all vectors while keeping the dimension. Used by
// rebuild to refill an index in place.
func (f *Flat) Truncate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = f.vectors[:0]
	f.count = 0
}

// Save writes the index atomically: sibling temp file, fsync, rename.
func (f *Flat) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to create index directory", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to create temp index file", err)
	}

	if err := f.writeTo(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to write index", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to sync index file", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to close index file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return dferrors.New(dferrors.ErrCodeIndexSave, "failed to replace index file", err)
	}
	return nil
}

func (f *Flat) writeTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(fileMagic); err != nil {
		return err
	}
	header := []any{fileVersion, uint32(f.dim), uint64(f.count)}
	for _, v := range header {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, f.vectors); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadFlat reads an index file written by Save.
func LoadFlat(path string) (*Flat, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	br := bufio.NewReader(file)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, dferrors.New(dferrors.ErrCodeIndexCorrupt, "failed to read index header", err)
	}
	if string(magic) != fileMagic {
		return nil, dferrors.New(dferrors.ErrCodeIndexCorrupt, "not an index file", nil).
			WithDetail("path", path)
	}

	var (
		version uint32
		dim     uint32
		count   uint64
	)
	for _, dst := range []any{&version, &dim, &count} {
		if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
			return nil, dferrors.New(dferrors.ErrCodeIndexCorrupt, "failed to read index header", err)
		}
	}
	if version != fileVersion {
		return nil, dferrors.New(dferrors.ErrCodeIndexCorrupt,
			fmt.Sprintf("unsupported index file version %d", version), nil)
	}

	vectors := make([]float32, count*uint64(dim))
	if err := binary.Read(br, binary.LittleEndian, vectors); err != nil {
		return nil, dferrors.New(dferrors.ErrCodeIndexCorrupt, "index file truncated", err)
	}

	return &Flat{
		dim:     int(dim),
		vectors: vectors,
		count:   int64(count),
	}, nil
}
