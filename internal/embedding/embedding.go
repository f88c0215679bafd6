// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package embedding provides an ONNX-based embedding engine for semantic
// cache lookups. It uses the MiniLM model to generate 384-dimensional
// embeddings for text.
package embedding

// Embedder computes fixed-length embedding vectors for text. Output is
// deterministic for the same input. Vectors are not required to be
// unit-normalized; callers normalize before similarity comparison.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimension() int
}
