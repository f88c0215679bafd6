// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"math"
	"testing"
)

func TestVectorIndexSearchEmpty(t *testing.T) {
	ix := NewVectorIndex(3)

	results := ix.Search([]float32{1, 0, 0}, 1)
	if len(results) != 0 {
		t.Fatalf("expected empty result on empty index, got %d", len(results))
	}
	if ix.Size() != 0 {
		t.Fatalf("expected size 0, got %d", ix.Size())
	}
}

func TestVectorIndexAddAndSearch(t *testing.T) {
	ix := NewVectorIndex(2)

	vectors := [][]float32{
		{1, 0},
		{0, 1},
		{0.7071, 0.7071},
	}
	for i, v := range vectors {
		pos, err := ix.Add(v)
		if err != nil {
			t.Fatalf("Add(%d) failed: %v", i, err)
		}
		if pos != i {
			t.Fatalf("Add(%d) returned position %d", i, pos)
		}
	}

	results := ix.Search([]float32{1, 0}, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Position != 0 {
		t.Errorf("best match position = %d, want 0", results[0].Position)
	}
	if math.Abs(results[0].Similarity-1.0) > 1e-6 {
		t.Errorf("best similarity = %v, want 1.0", results[0].Similarity)
	}
	if results[1].Similarity > results[0].Similarity {
		t.Error("results not ordered by descending similarity")
	}
}

func TestVectorIndexSearchCapsAtK(t *testing.T) {
	ix := NewVectorIndex(2)
	for i := 0; i < 5; i++ {
		if _, err := ix.Add([]float32{1, 0}); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(ix.Search([]float32{1, 0}, 3)); got != 3 {
		t.Fatalf("expected 3 results, got %d", got)
	}
}

func TestVectorIndexDimensionMismatch(t *testing.T) {
	ix := NewVectorIndex(3)
	if _, err := ix.Add([]float32{1, 0}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestVectorIndexRebuild(t *testing.T) {
	ix := NewVectorIndex(2)
	if _, err := ix.Add([]float32{1, 0}); err != nil {
		t.Fatal(err)
	}

	err := ix.Rebuild([][]float32{{0, 1}, {1, 0}})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if ix.Size() != 2 {
		t.Fatalf("size after rebuild = %d, want 2", ix.Size())
	}

	results := ix.Search([]float32{0, 1}, 1)
	if results[0].Position != 0 {
		t.Errorf("best match after rebuild = %d, want 0", results[0].Position)
	}

	if err := ix.Rebuild(nil); err != nil {
		t.Fatalf("Rebuild(nil) failed: %v", err)
	}
	if ix.Size() != 0 {
		t.Fatalf("size after empty rebuild = %d, want 0", ix.Size())
	}
}

func TestNormalize(t *testing.T) {
	vec := Normalize([]float32{3, 4})

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-6 {
		t.Errorf("norm after Normalize = %v, want 1.0", math.Sqrt(norm))
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Error("zero vector should pass through Normalize unchanged")
	}
}
