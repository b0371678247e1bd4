package search

import "sort"

// DefaultRRFConstant is the standard RRF smoothing parameter, widely
// validated across retrieval benchmarks.
const DefaultRRFConstant = 60

// Weights splits the fused score between the dense and sparse lists.
type Weights struct {
	Dense  float64
	Sparse float64
}

// DefaultWeights favors the dense list.
var DefaultWeights = Weights{Dense: 0.7, Sparse: 0.3}

// Ranked is one entry in a ranked result list.
type Ranked struct {
	ChunkID string
	Score   float64
}

// Fused is one result after reciprocal-rank fusion.
type Fused struct {
	ChunkID     string
	Score       float64 // combined RRF score, normalized to 0-1
	DenseScore  float64
	DenseRank   int // 1-indexed, 0 if absent
	SparseScore float64
	SparseRank  int // 1-indexed, 0 if absent
	InBoth      bool
}

// RRFFusion combines dense and sparse result lists.
//
// score(d) = w_dense/(k + rank_dense) + w_sparse/(k + rank_sparse)
//
// A chunk missing from one list contributes at rank
// max(len(dense), len(sparse)) + 1 for that list.
type RRFFusion struct {
	K       int
	Weights Weights
}

// NewRRFFusion creates a fusion with k=60 and the default weights.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant, Weights: DefaultWeights}
}

// Fuse merges the two lists and returns them sorted by fused score.
func (f *RRFFusion) Fuse(dense, sparse []Ranked) []Fused {
	if len(dense) == 0 && len(sparse) == 0 {
		return []Fused{}
	}

	k := f.K
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[string]*Fused, len(dense)+len(sparse))
	get := func(id string) *Fused {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &Fused{ChunkID: id}
		byID[id] = r
		return r
	}

	for rank, r := range dense {
		fused := get(r.ChunkID)
		fused.DenseScore = r.Score
		fused.DenseRank = rank + 1
		fused.Score += f.Weights.Dense / float64(k+rank+1)
	}
	for rank, r := range sparse {
		fused := get(r.ChunkID)
		fused.SparseScore = r.Score
		fused.SparseRank = rank + 1
		fused.Score += f.Weights.Sparse / float64(k+rank+1)
		if fused.DenseRank > 0 {
			fused.InBoth = true
		}
	}

	missing := len(dense)
	if len(sparse) > missing {
		missing = len(sparse)
	}
	missing++
	for _, r := range byID {
		if r.DenseRank == 0 {
			r.Score += f.Weights.Dense / float64(k+missing)
		}
		if r.SparseRank == 0 {
			r.Score += f.Weights.Sparse / float64(k+missing)
		}
	}

	results := make([]Fused, 0, len(byID))
	for _, r := range byID {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if a.DenseScore != b.DenseScore {
			return a.DenseScore > b.DenseScore
		}
		return a.ChunkID < b.ChunkID
	})

	// Normalize so the best hit scores 1.0.
	if max := results[0].Score; max > 0 {
		for i := range results {
			results[i].Score /= max
		}
	}
	return results
}
