// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/tokenrouter/internal/cache"
	"github.com/traylinx/tokenrouter/internal/compress"
	"github.com/traylinx/tokenrouter/internal/config"
	"github.com/traylinx/tokenrouter/internal/freetier"
)

type fakeCache struct {
	entries  map[string]string
	getCalls []string
	setCalls map[string]string
	setErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]string{}, setCalls: map[string]string{}}
}

func (f *fakeCache) Get(query string) (string, bool) {
	f.getCalls = append(f.getCalls, query)
	v, ok := f.entries[query]
	return v, ok
}

func (f *fakeCache) Set(query, response string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls[query] = response
	f.entries[query] = response
	return nil
}

func (f *fakeCache) Stats() cache.Stats { return cache.Stats{} }

type fakeLocal struct {
	available bool
	reply     string
	err       error
	calls     int
}

func (f *fakeLocal) IsAvailable(ctx context.Context) bool { return f.available }

func (f *fakeLocal) Chat(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeLocal) Model() string { return "test-model" }

type fakeFree struct {
	reply    string
	provider string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeFree) Chat(ctx context.Context, prompt string) (string, string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.provider, f.err
}

func (f *fakeFree) Available() bool { return f.err == nil }

func (f *fakeFree) Usage() map[string]freetier.ProviderUsage {
	return map[string]freetier.ProviderUsage{}
}

type fakeCompressor struct {
	out string
	err error
}

func (f *fakeCompressor) Compress(text string, rate float64) (compress.Result, error) {
	if f.err != nil {
		return compress.Result{}, f.err
	}
	return compress.Result{
		CompressedText:   f.out,
		OriginalTokens:   100,
		CompressedTokens: 50,
		Ratio:            0.5,
	}, nil
}

func TestChatRejectsEmptyPrompt(t *testing.T) {
	r := New(newFakeCache(), nil, &fakeFree{reply: "hi"}, nil, config.RoutingConfig{}, true)

	for _, prompt := range []string{"", "   ", "\t\n"} {
		_, err := r.Chat(context.Background(), prompt, config.StrategySmart)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestChatRejectsInvalidStrategy(t *testing.T) {
	r := New(newFakeCache(), nil, &fakeFree{reply: "hi"}, nil, config.RoutingConfig{}, true)

	_, err := r.Chat(context.Background(), "prompt", "premium")
	require.ErrorIs(t, err, ErrInvalidArgument)

	// The error enumerates every valid strategy so callers can self-correct.
	for _, s := range config.ValidStrategies {
		assert.Contains(t, err.Error(), s)
	}
}

func TestChatCacheHitShortCircuits(t *testing.T) {
	c := newFakeCache()
	c.entries["what is go"] = "cached answer"
	local := &fakeLocal{available: true, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(c, local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "what is go", config.StrategySmart)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", resp.Response)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, float64(0), resp.Cost)
	assert.Zero(t, local.calls, "cache hit must not touch providers")
	assert.Zero(t, free.calls)
}

func TestChatCacheOnlyMiss(t *testing.T) {
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), nil, free, nil, config.RoutingConfig{}, true)

	_, err := r.Chat(context.Background(), "uncached", config.StrategyCacheOnly)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Zero(t, free.calls, "cache-only must never dispatch")
}

func TestChatSmartPrefersLocal(t *testing.T) {
	local := &fakeLocal{available: true, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.NoError(t, err)
	assert.Equal(t, "local answer", resp.Response)
	assert.Equal(t, SourceLocal, resp.Source)
	assert.Zero(t, free.calls)
}

func TestChatSmartFallsBackWhenLocalUnavailable(t *testing.T) {
	local := &fakeLocal{available: false, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.NoError(t, err)
	assert.Equal(t, "free answer", resp.Response)
	assert.Equal(t, SourceFreeAPI, resp.Source)
	assert.Zero(t, local.calls, "an unavailable local provider must not be dispatched to")
}

func TestChatSmartFallsBackWhenLocalFails(t *testing.T) {
	local := &fakeLocal{available: true, err: errors.New("model crashed")}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.NoError(t, err)
	assert.Equal(t, SourceFreeAPI, resp.Source)
	assert.Equal(t, 1, local.calls)
}

func TestChatSmartFallbackDisabledSurfacesLocalFailure(t *testing.T) {
	localErr := errors.New("model crashed")
	local := &fakeLocal{available: true, err: localErr}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, false)

	_, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.Error(t, err)
	assert.ErrorIs(t, err, localErr, "the local failure is surfaced directly")
	assert.Zero(t, free.calls, "disabled fallback must not reach free-api")

	var all *AllProvidersFailedError
	assert.False(t, errors.As(err, &all), "a single surfaced failure is not an aggregate")
}

func TestChatSmartFallbackDisabledStillRotatesWhenLocalUnavailable(t *testing.T) {
	local := &fakeLocal{available: false, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, false)

	// Nothing was attempted locally, so free-api still serves the request.
	resp, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.NoError(t, err)
	assert.Equal(t, SourceFreeAPI, resp.Source)
	assert.Zero(t, local.calls)
}

func TestChatSmartAllFail(t *testing.T) {
	local := &fakeLocal{available: true, err: errors.New("model crashed")}
	free := &fakeFree{err: errors.New("no quota anywhere")}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	_, err := r.Chat(context.Background(), "prompt", config.StrategySmart)
	require.Error(t, err)

	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Len(t, all.Errors, 2)
	assert.Contains(t, err.Error(), "model crashed")
	assert.Contains(t, err.Error(), "no quota anywhere")
}

func TestChatLocalStrategy(t *testing.T) {
	local := &fakeLocal{available: true, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategyLocal)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, resp.Source)
	assert.Zero(t, free.calls, "local strategy never falls back")
}

func TestChatLocalStrategyPropagatesError(t *testing.T) {
	local := &fakeLocal{available: true, err: errors.New("boom")}
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	_, err := r.Chat(context.Background(), "prompt", config.StrategyLocal)
	assert.Error(t, err)
	assert.Zero(t, free.calls)
}

func TestChatFreeAPIStrategy(t *testing.T) {
	local := &fakeLocal{available: true, reply: "local answer"}
	free := &fakeFree{reply: "free answer", provider: "deepseek"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategyFreeAPI)
	require.NoError(t, err)
	assert.Equal(t, SourceFreeAPI, resp.Source)
	assert.Zero(t, local.calls, "free-api strategy never dispatches locally")
}

func TestChatCachesUnderOriginalPrompt(t *testing.T) {
	c := newFakeCache()
	free := &fakeFree{reply: "free answer", provider: "groq"}
	compressor := &fakeCompressor{out: "shortened"}
	r := New(c, nil, free, compressor, config.RoutingConfig{CompressionEnabled: true, CompressionRate: 0.5}, true)

	original := "please explain the entire history of distributed computing in detail"
	resp, err := r.Chat(context.Background(), original, config.StrategyFreeAPI)
	require.NoError(t, err)
	assert.Equal(t, 50, resp.TokensSaved)

	// Provider got the compressed prompt; the cache key is the original.
	require.Len(t, free.prompts, 1)
	assert.Equal(t, "shortened", free.prompts[0])
	assert.Equal(t, "free answer", c.setCalls[original])
	_, compressedCached := c.setCalls["shortened"]
	assert.False(t, compressedCached, "compressed text must never become a cache key")
}

func TestChatCompressionFailureRecovered(t *testing.T) {
	free := &fakeFree{reply: "free answer", provider: "groq"}
	compressor := &fakeCompressor{err: errors.New("tokenizer exploded")}
	r := New(newFakeCache(), nil, free, compressor, config.RoutingConfig{CompressionEnabled: true, CompressionRate: 0.5}, true)

	resp, err := r.Chat(context.Background(), "some prompt", config.StrategyFreeAPI)
	require.NoError(t, err, "compression failure must not abort the request")
	assert.Equal(t, 0, resp.TokensSaved)
	assert.Equal(t, "some prompt", free.prompts[0], "original prompt is dispatched on compression failure")
}

func TestChatCompressionDisabled(t *testing.T) {
	free := &fakeFree{reply: "free answer", provider: "groq"}
	compressor := &fakeCompressor{out: "shortened"}
	r := New(newFakeCache(), nil, free, compressor, config.RoutingConfig{CompressionEnabled: false}, true)

	resp, err := r.Chat(context.Background(), "some prompt", config.StrategyFreeAPI)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.TokensSaved)
	assert.Equal(t, "some prompt", free.prompts[0])
}

func TestChatCacheWriteFailureIsNonFatal(t *testing.T) {
	c := newFakeCache()
	c.setErr = errors.New("disk full")
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(c, nil, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategyFreeAPI)
	require.NoError(t, err, "a failed cache write must not fail the request")
	assert.Equal(t, "free answer", resp.Response)
}

func TestChatNilCollaborators(t *testing.T) {
	// Cache disabled entirely: every strategy still works off providers.
	free := &fakeFree{reply: "free answer", provider: "groq"}
	r := New(nil, nil, free, nil, config.RoutingConfig{}, true)

	resp, err := r.Chat(context.Background(), "prompt", config.StrategyFreeAPI)
	require.NoError(t, err)
	assert.Equal(t, "free answer", resp.Response)

	// Local disabled: local strategy fails cleanly.
	_, err = r.Chat(context.Background(), "prompt", config.StrategyLocal)
	assert.Error(t, err)

	// Everything disabled: cache-only misses.
	bare := New(nil, nil, nil, nil, config.RoutingConfig{}, true)
	_, err = bare.Chat(context.Background(), "prompt", config.StrategyCacheOnly)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestProviderStatus(t *testing.T) {
	local := &fakeLocal{available: true}
	free := &fakeFree{reply: "x", provider: "groq"}
	r := New(newFakeCache(), local, free, nil, config.RoutingConfig{}, true)

	s := r.ProviderStatus(context.Background())
	assert.True(t, s.Cache.Available)
	assert.True(t, s.Local.Available)
	assert.Equal(t, "test-model", s.Local.Model)
	assert.True(t, s.FreeAPI.Available)
}

func TestAllProvidersFailedErrorUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := &AllProvidersFailedError{Errors: []error{sentinel, errors.New("other")}}

	assert.True(t, errors.Is(err, sentinel), "Unwrap should expose constituent errors")
	assert.True(t, strings.HasPrefix(err.Error(), "router: all providers failed: "))
}
