// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router implements the cost-minimizing routing state machine. Each
// chat request traverses cache probe, prompt compression, and provider
// dispatch in priority order, then writes the result back into the semantic
// cache under the caller's original phrasing.
package router

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenrouter/internal/cache"
	"github.com/traylinx/tokenrouter/internal/compress"
	"github.com/traylinx/tokenrouter/internal/config"
	"github.com/traylinx/tokenrouter/internal/freetier"
)

// Response sources.
const (
	SourceCache   = "cache"
	SourceLocal   = "local"
	SourceFreeAPI = "free-api"
)

// Response is the per-call result. Cost is always zero in this design: every
// dispatch target is free.
type Response struct {
	Response    string  `json:"response"`
	Source      string  `json:"source"`
	Cost        float64 `json:"cost"`
	TokensSaved int     `json:"tokens_saved"`
}

// Cache is the semantic cache surface the router consumes.
type Cache interface {
	Get(query string) (string, bool)
	Set(query, response string) error
	Stats() cache.Stats
}

// LocalProvider is the local LLM surface the router consumes.
type LocalProvider interface {
	IsAvailable(ctx context.Context) bool
	Chat(ctx context.Context, prompt string) (string, error)
	Model() string
}

// FreeAPI is the free-tier rotation surface the router consumes.
type FreeAPI interface {
	Chat(ctx context.Context, prompt string) (text, provider string, err error)
	Available() bool
	Usage() map[string]freetier.ProviderUsage
}

// PromptCompressor shrinks prompts before dispatch.
type PromptCompressor interface {
	Compress(text string, rate float64) (compress.Result, error)
}

// Router orchestrates cache, compression, and providers. A nil cache or nil
// provider means that path is disabled and behaves as a miss/unavailable.
type Router struct {
	cache      Cache
	local      LocalProvider
	free       FreeAPI
	compressor PromptCompressor

	compressionEnabled bool
	compressionRate    float64

	// localFallbackAllowed gates the smart strategy's fall-through to
	// free-api after a failed local dispatch.
	localFallbackAllowed bool
}

// New creates a Router. Any collaborator may be nil to disable its path.
// localFallbackAllowed controls whether smart routing may fall through to
// free-api after a local dispatch failure.
func New(c Cache, localProvider LocalProvider, free FreeAPI, compressor PromptCompressor, routing config.RoutingConfig, localFallbackAllowed bool) *Router {
	return &Router{
		cache:                c,
		local:                localProvider,
		free:                 free,
		compressor:           compressor,
		compressionEnabled:   routing.CompressionEnabled,
		compressionRate:      routing.CompressionRate,
		localFallbackAllowed: localFallbackAllowed,
	}
}

// Chat routes one prompt through the configured strategy. Each call is one
// traversal of the state machine; no routing state persists between calls.
func (r *Router) Chat(ctx context.Context, prompt, strategy string) (Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return Response{}, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidArgument)
	}
	if !validStrategy(strategy) {
		return Response{}, fmt.Errorf("%w: invalid strategy %q, valid options: %s",
			ErrInvalidArgument, strategy, strings.Join(config.ValidStrategies, ", "))
	}

	// Cache first: a hit needs no compression, no provider, no write-back.
	if r.cache != nil {
		if cached, ok := r.cache.Get(prompt); ok {
			return Response{Response: cached, Source: SourceCache, TokensSaved: 0}, nil
		}
	}

	if strategy == config.StrategyCacheOnly {
		return Response{}, fmt.Errorf("%w: no cached response found for this query", ErrCacheMiss)
	}

	dispatchPrompt, tokensSaved := r.compressPrompt(prompt)

	var (
		text   string
		source string
		err    error
	)
	switch strategy {
	case config.StrategyLocal:
		text, err = r.routeLocal(ctx, dispatchPrompt)
		source = SourceLocal
	case config.StrategyFreeAPI:
		text, err = r.routeFree(ctx, dispatchPrompt)
		source = SourceFreeAPI
	case config.StrategySmart:
		text, source, err = r.routeSmart(ctx, dispatchPrompt)
	}
	if err != nil {
		return Response{}, err
	}

	// Store under the ORIGINAL prompt: future semantically similar queries
	// must match the user's phrasing, not a compression artifact.
	if r.cache != nil {
		if err := r.cache.Set(prompt, text); err != nil {
			log.Warnf("failed to cache response: %v", err)
		}
	}

	return Response{
		Response:    text,
		Source:      source,
		Cost:        0,
		TokensSaved: tokensSaved,
	}, nil
}

// compressPrompt shrinks the prompt when compression is enabled. Compression
// failure is always recovered locally: the original prompt is dispatched and
// the savings are zero. It never aborts the request.
func (r *Router) compressPrompt(prompt string) (string, int) {
	if !r.compressionEnabled || r.compressor == nil {
		return prompt, 0
	}
	result, err := r.compressor.Compress(prompt, r.compressionRate)
	if err != nil {
		log.Debugf("prompt compression failed, dispatching original: %v", err)
		return prompt, 0
	}
	return result.CompressedText, result.OriginalTokens - result.CompressedTokens
}

func (r *Router) routeLocal(ctx context.Context, prompt string) (string, error) {
	if r.local == nil {
		return "", fmt.Errorf("local provider is disabled")
	}
	return r.local.Chat(ctx, prompt)
}

func (r *Router) routeFree(ctx context.Context, prompt string) (string, error) {
	if r.free == nil {
		return "", fmt.Errorf("free-tier providers are disabled")
	}
	text, provider, err := r.free.Chat(ctx, prompt)
	if err != nil {
		return "", err
	}
	log.Debugf("request served by free-tier provider %s", provider)
	return text, nil
}

// routeSmart tries local first when it reports itself available, then falls
// through to free-api. When both paths fail the aggregate error carries the
// constituent failures. With local fallback disabled a failed local dispatch
// is surfaced directly; an unavailable local provider still rotates, since
// nothing was attempted locally.
func (r *Router) routeSmart(ctx context.Context, prompt string) (string, string, error) {
	var failures []error

	if r.local != nil && r.local.IsAvailable(ctx) {
		text, err := r.local.Chat(ctx, prompt)
		if err == nil {
			return text, SourceLocal, nil
		}
		if !r.localFallbackAllowed {
			return "", "", fmt.Errorf("local: %w", err)
		}
		failures = append(failures, fmt.Errorf("local: %w", err))
	}

	text, err := r.routeFree(ctx, prompt)
	if err == nil {
		return text, SourceFreeAPI, nil
	}
	failures = append(failures, fmt.Errorf("free-api: %w", err))

	return "", "", &AllProvidersFailedError{Errors: failures}
}

// Status reports the availability of every routing path, for the status
// endpoint.
type Status struct {
	Cache   CacheStatus   `json:"cache"`
	Local   LocalStatus   `json:"local"`
	FreeAPI FreeAPIStatus `json:"free_api"`
}

// CacheStatus summarizes the cache path.
type CacheStatus struct {
	Available bool        `json:"available"`
	Stats     cache.Stats `json:"stats"`
}

// LocalStatus summarizes the local path.
type LocalStatus struct {
	Available bool   `json:"available"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// FreeAPIStatus summarizes the free-tier path.
type FreeAPIStatus struct {
	Available bool                              `json:"available"`
	Usage     map[string]freetier.ProviderUsage `json:"usage"`
}

// ProviderStatus snapshots the state of all routing paths.
func (r *Router) ProviderStatus(ctx context.Context) Status {
	var s Status

	if r.cache != nil {
		s.Cache.Available = true
		s.Cache.Stats = r.cache.Stats()
	}
	if r.local != nil {
		s.Local.Available = r.local.IsAvailable(ctx)
		s.Local.Provider = "ollama"
		s.Local.Model = r.local.Model()
	}
	if r.free != nil {
		s.FreeAPI.Available = r.free.Available()
		s.FreeAPI.Usage = r.free.Usage()
	}
	return s
}

func validStrategy(strategy string) bool {
	for _, s := range config.ValidStrategies {
		if strategy == s {
			return true
		}
	}
	return false
}
