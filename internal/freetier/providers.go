// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package freetier manages rotation across free-tier hosted LLM providers.
// It tracks per-minute and per-day request quotas, filters by credential
// presence, and dispatches to the first provider in priority order with
// capacity remaining.
package freetier

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Descriptor is the static capability description of a free-tier provider.
type Descriptor struct {
	// Name identifies the provider ("gemini", "groq", "deepseek").
	Name string

	// Model is the free-tier model requested from the provider.
	Model string

	// BaseURL is the provider API root.
	BaseURL string

	// PerMinuteLimit caps requests per sliding 60s window. 0 means unlimited.
	PerMinuteLimit int

	// PerDayLimit caps requests per UTC day. 0 means unlimited.
	PerDayLimit int

	// Shape selects the provider's wire protocol.
	Shape WireShape
}

// WireShape is the closed set of provider wire protocols. New upstreams are
// added at build time by implementing this interface, not registered
// dynamically.
type WireShape interface {
	// BuildRequest constructs the outbound chat request.
	BuildRequest(ctx context.Context, d Descriptor, apiKey, prompt string) (*http.Request, error)

	// ExtractText pulls the reply text out of a success response body.
	ExtractText(body []byte) (string, error)
}

// OpenAIShape speaks the OpenAI chat-completions protocol, which Groq and
// DeepSeek both expose for their free tiers.
type OpenAIShape struct{}

func (OpenAIShape) BuildRequest(ctx context.Context, d Descriptor, apiKey, prompt string) (*http.Request, error) {
	payload := []byte(`{"messages":[{"role":"user"}],"stream":false}`)
	payload, _ = sjson.SetBytes(payload, "model", d.Model)
	payload, _ = sjson.SetBytes(payload, "messages.0.content", prompt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func (OpenAIShape) ExtractText(body []byte) (string, error) {
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("response contains no message content")
	}
	return content.String(), nil
}

// GeminiShape speaks the Google Generative Language generateContent protocol.
type GeminiShape struct{}

func (GeminiShape) BuildRequest(ctx context.Context, d Descriptor, apiKey, prompt string) (*http.Request, error) {
	payload := []byte(`{"contents":[{"parts":[{}]}]}`)
	payload, _ = sjson.SetBytes(payload, "contents.0.parts.0.text", prompt)

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", d.BaseURL, d.Model, url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (GeminiShape) ExtractText(body []byte) (string, error) {
	text := gjson.GetBytes(body, "candidates.0.content.parts.0.text")
	if !text.Exists() {
		return "", fmt.Errorf("response contains no candidate text")
	}
	return text.String(), nil
}

// DefaultProviders returns the known free-tier providers keyed by name.
// Limits reflect each provider's published free-tier caps.
func DefaultProviders() map[string]Descriptor {
	return map[string]Descriptor{
		"gemini": {
			Name:           "gemini",
			Model:          "gemini-1.5-flash",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			PerMinuteLimit: 15,
			PerDayLimit:    1000,
			Shape:          GeminiShape{},
		},
		"groq": {
			Name:           "groq",
			Model:          "llama-3.1-70b-versatile",
			BaseURL:        "https://api.groq.com/openai/v1",
			PerMinuteLimit: 30,
			Shape:          OpenAIShape{},
		},
		"deepseek": {
			Name:    "deepseek",
			Model:   "deepseek-chat",
			BaseURL: "https://api.deepseek.com",
			Shape:   OpenAIShape{},
		},
	}
}
