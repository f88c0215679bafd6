// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// TokenizedInput is the tokenized output ready for model inference.
type TokenizedInput struct {
	// InputIDs are the token IDs.
	InputIDs []int64

	// AttentionMask marks real tokens (1) vs padding (0).
	AttentionMask []int64

	// TokenTypeIDs are segment IDs (always 0, single segment).
	TokenTypeIDs []int64
}

// WordPieceTokenizer implements a basic WordPiece tokenizer for BERT-style
// models. When no vocabulary file is available it falls back to a small
// built-in vocabulary so the engine can still operate in a degraded mode.
type WordPieceTokenizer struct {
	vocab     map[string]int64
	idToToken map[int64]string

	clsTokenID int64
	sepTokenID int64
	padTokenID int64
	unkTokenID int64
}

// NewWordPieceTokenizer loads a tokenizer from a vocabulary file with one
// token per line. An empty or unreadable path falls back to the built-in
// minimal vocabulary.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{
		vocab:     make(map[string]int64),
		idToToken: make(map[int64]string),
	}

	if vocabPath == "" {
		t.initMinimalVocab()
		return t, nil
	}

	file, err := os.Open(vocabPath)
	if err != nil {
		t.initMinimalVocab()
		return t, nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var id int64
	for scanner.Scan() {
		token := scanner.Text()
		t.vocab[token] = id
		t.idToToken[id] = token
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading vocabulary: %w", err)
	}

	t.setSpecialTokenIDs()
	return t, nil
}

// initMinimalVocab seeds a minimal vocabulary so tokenization degrades to
// mostly-[UNK] output instead of failing outright.
func (t *WordPieceTokenizer) initMinimalVocab() {
	minimalVocab := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"the", "a", "an", "is", "are", "was", "were",
		"to", "of", "in", "for", "on", "with", "at",
		"by", "from", "as", "or", "and", "but", "not",
		"this", "that", "it", "be", "have", "has", "had",
		"do", "does", "did", "will", "would", "could", "should",
		"can", "may", "might", "must",
		"i", "you", "he", "she", "we", "they", "me", "them",
		"my", "your", "his", "her", "its", "our", "their",
		"what", "which", "who", "where", "when", "why", "how",
		"tell", "about", "explain", "describe", "summarize", "translate",
		"write", "create", "make", "help", "show", "give", "find",
		"question", "answer", "example", "list", "difference", "between",
		"language", "programming", "python", "go", "java", "javascript",
		"weather", "time", "today", "world", "people", "best", "good",
		"##s", "##ed", "##ing", "##er", "##ly", "##tion", "##ment",
	}

	for i, token := range minimalVocab {
		t.vocab[token] = int64(i)
		t.idToToken[int64(i)] = token
	}
	t.setSpecialTokenIDs()
}

func (t *WordPieceTokenizer) setSpecialTokenIDs() {
	if id, ok := t.vocab["[CLS]"]; ok {
		t.clsTokenID = id
	}
	if id, ok := t.vocab["[SEP]"]; ok {
		t.sepTokenID = id
	}
	if id, ok := t.vocab["[PAD]"]; ok {
		t.padTokenID = id
	}
	if id, ok := t.vocab["[UNK]"]; ok {
		t.unkTokenID = id
	}
}

// Tokenize converts text into token IDs for model input, applying
// lowercasing, punctuation splitting, and WordPiece subword matching.
// maxLength bounds the sequence including the [CLS] and [SEP] markers.
func (t *WordPieceTokenizer) Tokenize(text string, maxLength int) (*TokenizedInput, error) {
	text = normalizeText(strings.ToLower(text))
	words := strings.Fields(text)

	tokens := []int64{t.clsTokenID}
	for _, word := range words {
		tokens = append(tokens, t.tokenizeWord(word)...)
		if len(tokens) >= maxLength-1 {
			break
		}
	}
	tokens = append(tokens, t.sepTokenID)

	if len(tokens) > maxLength {
		tokens = tokens[:maxLength-1]
		tokens = append(tokens, t.sepTokenID)
	}

	seqLen := len(tokens)
	attentionMask := make([]int64, seqLen)
	tokenTypeIDs := make([]int64, seqLen)
	for i := 0; i < seqLen; i++ {
		attentionMask[i] = 1
	}

	return &TokenizedInput{
		InputIDs:      tokens,
		AttentionMask: attentionMask,
		TokenTypeIDs:  tokenTypeIDs,
	}, nil
}

// normalizeText collapses whitespace and isolates punctuation as separate
// tokens, matching BERT's basic tokenizer behavior.
func normalizeText(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	var result strings.Builder
	for _, r := range text {
		if unicode.IsPunct(r) {
			result.WriteRune(' ')
			result.WriteRune(r)
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}

// tokenizeWord applies greedy longest-match WordPiece tokenization to a word.
func (t *WordPieceTokenizer) tokenizeWord(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var tokens []int64
	start := 0
	for start < len(word) {
		end := len(word)
		found := false

		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if id, ok := t.vocab[substr]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			end--
		}

		if !found {
			tokens = append(tokens, t.unkTokenID)
			start++
			continue
		}
		start = end
	}

	if len(tokens) == 0 {
		return []int64{t.unkTokenID}
	}
	return tokens
}

// VocabSize returns the size of the vocabulary.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}
