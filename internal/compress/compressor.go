// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package compress provides extractive prompt compression to reduce token
// cost before dispatching to a provider. Token accounting uses the tiktoken
// BPE vocabulary so savings reflect what providers actually bill.
package compress

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// minCompressTokens is the size below which compression is a no-op. Very
// short prompts lose meaning faster than they lose tokens.
const minCompressTokens = 32

// Result describes the outcome of one compression pass.
type Result struct {
	// CompressedText is the reduced prompt (the original when no-op).
	CompressedText string

	// OriginalTokens is the token count of the input text.
	OriginalTokens int

	// CompressedTokens is the token count of CompressedText.
	CompressedTokens int

	// Ratio is CompressedTokens / OriginalTokens.
	Ratio float64
}

// Compressor reduces prompt token counts by dropping low-information words.
type Compressor struct {
	codec tokenizer.Codec
}

// filler words removed first; ordering keeps content-bearing words intact.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "am": true,
	"do": true, "does": true, "did": true, "have": true, "has": true, "had": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "by": true,
	"for": true, "with": true, "about": true, "as": true, "into": true,
	"that": true, "this": true, "these": true, "those": true, "there": true,
	"it": true, "its": true, "which": true, "and": true, "or": true, "but": true,
	"so": true, "very": true, "just": true, "really": true, "quite": true,
	"please": true, "kindly": true, "also": true, "then": true, "than": true,
}

// New creates a Compressor backed by the cl100k_base vocabulary.
func New() (*Compressor, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("compress: failed to load tokenizer: %w", err)
	}
	return &Compressor{codec: codec}, nil
}

// CountTokens returns the BPE token count of text.
func (c *Compressor) CountTokens(text string) (int, error) {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("compress: token count failed: %w", err)
	}
	return len(ids), nil
}

// Compress reduces text toward rate x its original token count. rate is the
// target fraction of tokens to keep, in (0, 1]. Already-short text passes
// through unchanged; Compress never produces output longer than its input.
func (c *Compressor) Compress(text string, rate float64) (Result, error) {
	if rate <= 0 || rate > 1 {
		return Result{}, fmt.Errorf("compress: rate must be in (0, 1], got %v", rate)
	}

	originalTokens, err := c.CountTokens(text)
	if err != nil {
		return Result{}, err
	}

	passthrough := Result{
		CompressedText:   text,
		OriginalTokens:   originalTokens,
		CompressedTokens: originalTokens,
		Ratio:            1.0,
	}
	if originalTokens <= minCompressTokens || rate == 1 {
		return passthrough, nil
	}

	target := int(float64(originalTokens) * rate)
	if target < minCompressTokens {
		target = minCompressTokens
	}

	compressed := c.reduce(text, target)
	compressedTokens, err := c.CountTokens(compressed)
	if err != nil {
		return Result{}, err
	}
	if compressedTokens >= originalTokens {
		return passthrough, nil
	}

	return Result{
		CompressedText:   compressed,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		Ratio:            float64(compressedTokens) / float64(originalTokens),
	}, nil
}

// reduce drops stopwords first, then trims from the middle of the word list
// until the token estimate reaches the target. Head and tail survive
// preferentially: prompts front-load instructions and end with the question.
func (c *Compressor) reduce(text string, targetTokens int) string {
	words := strings.Fields(text)

	kept := make([]string, 0, len(words))
	for _, w := range words {
		if stopwords[strings.ToLower(strings.Trim(w, ".,;:!?"))] {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		kept = words
	}

	candidate := strings.Join(kept, " ")
	if n, err := c.CountTokens(candidate); err == nil && n <= targetTokens {
		return candidate
	}

	// Estimate words-per-token from the stopword-stripped text and trim the
	// middle down to budget.
	n, err := c.CountTokens(candidate)
	if err != nil || n == 0 {
		return candidate
	}
	keepWords := int(float64(len(kept)) * float64(targetTokens) / float64(n))
	if keepWords >= len(kept) {
		return candidate
	}
	if keepWords < 2 {
		keepWords = 2
	}

	head := keepWords * 3 / 4
	tail := keepWords - head
	trimmed := append([]string{}, kept[:head]...)
	trimmed = append(trimmed, "...")
	trimmed = append(trimmed, kept[len(kept)-tail:]...)
	return strings.Join(trimmed, " ")
}
