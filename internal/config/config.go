// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the tokenrouter server.
// It handles loading and parsing YAML configuration files and provides
// structured access to cache, embedding, local-model, free-tier, and routing
// settings. API keys resolve from the environment first, then from the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Routing strategies accepted by the router.
const (
	StrategySmart     = "smart"
	StrategyLocal     = "local"
	StrategyFreeAPI   = "free-api"
	StrategyCacheOnly = "cache-only"
)

// ValidStrategies lists the closed set of routing strategies.
var ValidStrategies = []string{StrategyCacheOnly, StrategyFreeAPI, StrategyLocal, StrategySmart}

// envKeyMap maps free-tier provider names to their conventional environment variables.
var envKeyMap = map[string]string{
	"gemini":   "GOOGLE_API_KEY",
	"groq":     "GROQ_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether logs go to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// StateDir is where durable state (cache db, quota file, logs) lives.
	// Defaults to ~/.cache/tokenrouter.
	StateDir string `yaml:"state-dir"`

	// Cache configures the semantic response cache.
	Cache CacheConfig `yaml:"cache"`

	// Embedding configures the local ONNX embedding engine.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Local configures the local Ollama provider.
	Local LocalConfig `yaml:"local"`

	// FreeTier configures the free-tier provider rotation.
	FreeTier FreeTierConfig `yaml:"free-tier"`

	// Routing configures strategy defaults and prompt compression.
	Routing RoutingConfig `yaml:"routing"`
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	// Enabled toggles the semantic cache. When false every lookup misses.
	Enabled bool `yaml:"enabled"`

	// Threshold is the minimum cosine similarity for a cache hit (0.0-1.0).
	Threshold float64 `yaml:"threshold"`

	// MaxSize is the maximum number of cache entries before LRU eviction.
	MaxSize int `yaml:"max-size"`

	// TTLSeconds is the time-to-live for cache entries in seconds.
	TTLSeconds int `yaml:"ttl-seconds"`

	// SweepInterval is the lookup cadence of the expired-entry sweep.
	// A sweep runs on every SweepInterval-th lookup.
	SweepInterval int `yaml:"sweep-interval"`
}

// EmbeddingConfig holds the local embedding engine settings.
type EmbeddingConfig struct {
	// ModelPath is the path to the ONNX embedding model file.
	ModelPath string `yaml:"model-path"`

	// VocabPath is the path to the tokenizer vocabulary file.
	VocabPath string `yaml:"vocab-path"`

	// SharedLibraryPath is the path to the ONNX runtime shared library.
	SharedLibraryPath string `yaml:"shared-library-path"`
}

// LocalConfig holds the local Ollama provider settings.
type LocalConfig struct {
	// Enabled toggles the local provider.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the Ollama API base URL.
	BaseURL string `yaml:"base-url"`

	// Model is the Ollama model used for chat requests.
	Model string `yaml:"model"`

	// FallbackAllowed controls whether the smart strategy may fall through
	// to free-tier providers after a local dispatch failure. When false a
	// local failure is surfaced directly.
	FallbackAllowed bool `yaml:"fallback-allowed"`

	// TimeoutSeconds bounds each outbound Ollama request.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// FreeTierConfig holds free-tier rotation settings.
type FreeTierConfig struct {
	// Priority is the ordered list of provider names tried during rotation.
	Priority []string `yaml:"priority"`

	// APIKeys maps provider names to keys. Environment variables win.
	APIKeys map[string]string `yaml:"api-keys"`
}

// RoutingConfig holds router-level defaults.
type RoutingConfig struct {
	// DefaultStrategy is used when a request does not name one.
	DefaultStrategy string `yaml:"default-strategy"`

	// CompressionEnabled toggles prompt compression before dispatch.
	CompressionEnabled bool `yaml:"compression-enabled"`

	// CompressionRate is the target compression ratio (0.0-1.0).
	CompressionRate float64 `yaml:"compression-rate"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 8318,
		Cache: CacheConfig{
			Enabled:       true,
			Threshold:     0.85,
			MaxSize:       10000,
			TTLSeconds:    86400,
			SweepInterval: 100,
		},
		Local: LocalConfig{
			Enabled:         true,
			BaseURL:         "http://localhost:11434",
			Model:           "deepseek-r1:8b",
			FallbackAllowed: true,
			TimeoutSeconds:  30,
		},
		FreeTier: FreeTierConfig{
			Priority: []string{"deepseek", "groq", "gemini"},
		},
		Routing: RoutingConfig{
			DefaultStrategy:    StrategySmart,
			CompressionEnabled: true,
			CompressionRate:    0.5,
		},
	}
}

// Load reads a YAML configuration file, applies defaults for unset fields,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				if verr := cfg.Validate(); verr != nil {
					return nil, verr
				}
				return cfg, nil
			}
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFallbacks restores defaults for fields the YAML zeroed or omitted.
func (c *Config) applyFallbacks() {
	d := Default()
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.Cache.Threshold == 0 {
		c.Cache.Threshold = d.Cache.Threshold
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = d.Cache.MaxSize
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = d.Cache.TTLSeconds
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = d.Cache.SweepInterval
	}
	if c.Local.BaseURL == "" {
		c.Local.BaseURL = d.Local.BaseURL
	}
	if c.Local.Model == "" {
		c.Local.Model = d.Local.Model
	}
	if c.Local.TimeoutSeconds <= 0 {
		c.Local.TimeoutSeconds = d.Local.TimeoutSeconds
	}
	if len(c.FreeTier.Priority) == 0 {
		c.FreeTier.Priority = d.FreeTier.Priority
	}
	if c.Routing.DefaultStrategy == "" {
		c.Routing.DefaultStrategy = d.Routing.DefaultStrategy
	}
	if c.Routing.CompressionRate == 0 {
		c.Routing.CompressionRate = d.Routing.CompressionRate
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("config: cache.threshold must be in [0,1], got %v", c.Cache.Threshold)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("config: cache.max-size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache.ttl-seconds must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Routing.CompressionRate < 0 || c.Routing.CompressionRate > 1 {
		return fmt.Errorf("config: routing.compression-rate must be in [0,1], got %v", c.Routing.CompressionRate)
	}
	valid := false
	for _, s := range ValidStrategies {
		if c.Routing.DefaultStrategy == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("config: routing.default-strategy %q is not one of %s",
			c.Routing.DefaultStrategy, strings.Join(ValidStrategies, ", "))
	}
	return nil
}

// ResolveStateDir returns the state directory, creating it if necessary.
func (c *Config) ResolveStateDir() (string, error) {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: cannot resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".cache", "tokenrouter")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: cannot create state directory %s: %w", dir, err)
	}
	return dir, nil
}

// APIKey returns the key for a free-tier provider. Environment variables take
// priority over the configuration file. Returns "" if no key is configured.
func (c *Config) APIKey(provider string) string {
	provider = strings.ToLower(provider)
	if env := envKeyMap[provider]; env != "" {
		if key := os.Getenv(env); key != "" {
			return key
		}
	}
	return c.FreeTier.APIKeys[provider]
}

// MaskKey masks an API key for safe display, e.g. "gsk-123...cdef".
func MaskKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
