// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides the semantic response cache: a durable SQLite store
// of prompt/response pairs indexed by an in-memory vector index for
// similarity lookup.
package cache

import (
	"fmt"
	"math"
	"sort"
)

// VectorIndex is a flat in-memory nearest-neighbor index over unit-normalized
// embedding vectors. Similarity is the inner product, which equals cosine
// similarity for normalized vectors. The index is a derived structure: it is
// rebuilt from the store on startup and after any bulk deletion, since
// positions are not stable across deletions.
type VectorIndex struct {
	dim     int
	vectors [][]float32
}

// SearchResult is one match returned by Search.
type SearchResult struct {
	// Position is the index slot of the matched vector.
	Position int

	// Similarity is the inner product with the query vector.
	Similarity float64
}

// NewVectorIndex creates an empty index for vectors of the given dimension.
func NewVectorIndex(dim int) *VectorIndex {
	return &VectorIndex{dim: dim}
}

// Add appends a vector and returns its position.
func (ix *VectorIndex) Add(vec []float32) (int, error) {
	if len(vec) != ix.dim {
		return 0, fmt.Errorf("cache: vector dimension %d does not match index dimension %d", len(vec), ix.dim)
	}
	ix.vectors = append(ix.vectors, vec)
	return len(ix.vectors) - 1, nil
}

// Search returns up to k matches ordered by descending similarity.
// Searching an empty index returns an empty result, never an error.
func (ix *VectorIndex) Search(query []float32, k int) []SearchResult {
	if len(ix.vectors) == 0 || k <= 0 || len(query) != ix.dim {
		return nil
	}

	results := make([]SearchResult, 0, len(ix.vectors))
	for pos, vec := range ix.vectors {
		results = append(results, SearchResult{Position: pos, Similarity: dot(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Position < results[j].Position
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Size returns the number of indexed vectors.
func (ix *VectorIndex) Size() int {
	return len(ix.vectors)
}

// Rebuild atomically replaces the index contents with the given vectors.
func (ix *VectorIndex) Rebuild(vectors [][]float32) error {
	replacement := make([][]float32, 0, len(vectors))
	for i, vec := range vectors {
		if len(vec) != ix.dim {
			return fmt.Errorf("cache: vector %d has dimension %d, want %d", i, len(vec), ix.dim)
		}
		replacement = append(replacement, vec)
	}
	ix.vectors = replacement
	return nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize scales a vector to unit L2 norm in place and returns it.
// Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
