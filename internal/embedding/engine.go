// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// DefaultModelName is the default embedding model.
	DefaultModelName = "all-MiniLM-L6-v2"

	// Dimension is the output dimension of the MiniLM model.
	Dimension = 384

	// MaxSequenceLength is the maximum input sequence length.
	MaxSequenceLength = 256
)

// Engine provides embedding inference using the ONNX runtime. It loads a
// MiniLM model and computes mean-pooled sentence embeddings.
type Engine struct {
	session   *ort.DynamicAdvancedSession
	modelPath string
	vocabPath string
	tokenizer *WordPieceTokenizer
	dimension int
	enabled   bool
	mu        sync.RWMutex
}

// NewEngine creates an embedding engine. The engine is inert until
// Initialize is called.
func NewEngine(modelPath, vocabPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("embedding: model path is required")
	}
	return &Engine{
		modelPath: modelPath,
		vocabPath: vocabPath,
		dimension: Dimension,
	}, nil
}

// Initialize loads the ONNX model and prepares the engine for inference.
// sharedLibPath locates the ONNX runtime shared library; empty uses the
// runtime's default lookup.
func (e *Engine) Initialize(sharedLibPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(e.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("embedding: model file not found: %s", e.modelPath)
	}

	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("embedding: failed to initialize ONNX runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("embedding: failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		e.modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		options,
	)
	if err != nil {
		return fmt.Errorf("embedding: failed to load ONNX model: %w", err)
	}
	e.session = session

	tok, err := NewWordPieceTokenizer(e.vocabPath)
	if err != nil {
		e.session.Destroy()
		e.session = nil
		return fmt.Errorf("embedding: failed to initialize tokenizer: %w", err)
	}
	e.tokenizer = tok

	e.enabled = true
	log.Infof("embedding engine initialized with model %s", filepath.Base(e.modelPath))
	return nil
}

// IsEnabled reports whether the engine is ready for inference.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Dimension returns the embedding output dimension.
func (e *Engine) Dimension() int {
	return e.dimension
}

// Embed computes the embedding vector for a single text.
func (e *Engine) Embed(text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled {
		return nil, fmt.Errorf("embedding: engine not initialized")
	}

	tokens, err := e.tokenizer.Tokenize(text, MaxSequenceLength)
	if err != nil {
		return nil, fmt.Errorf("embedding: tokenization failed: %w", err)
	}
	vec, err := e.runInference(tokens)
	if err != nil {
		return nil, fmt.Errorf("embedding: inference failed: %w", err)
	}
	return vec, nil
}

// runInference executes the ONNX model with the given tokens.
// Must be called with read lock held.
func (e *Engine) runInference(tokens *TokenizedInput) ([]float32, error) {
	seqLen := int64(len(tokens.InputIDs))

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokens.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, seqLen, int64(e.dimension)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = e.session.Run(
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
	)
	if err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}

	return meanPooling(outputTensor.GetData(), tokens.AttentionMask, int(seqLen), e.dimension), nil
}

// meanPooling averages token embeddings over the sequence dimension,
// weighted by the attention mask.
func meanPooling(output []float32, attentionMask []int64, seqLen, dim int) []float32 {
	embedding := make([]float32, dim)
	var totalWeight float32

	for i := 0; i < seqLen; i++ {
		if attentionMask[i] != 1 {
			continue
		}
		for j := 0; j < dim; j++ {
			embedding[j] += output[i*dim+j]
		}
		totalWeight++
	}

	if totalWeight > 0 {
		for j := 0; j < dim; j++ {
			embedding[j] /= totalWeight
		}
	}
	return embedding
}

// Shutdown releases all resources held by the ONNX runtime.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.enabled = false
	log.Info("embedding engine shut down")
	return nil
}
