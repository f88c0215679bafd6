// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package freetier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrQuotaExceeded indicates the requested provider, or every provider
	// during rotation, has no remaining free-tier quota.
	ErrQuotaExceeded = errors.New("freetier: quota exceeded")

	// ErrUnknownProvider indicates a provider name outside the known set.
	ErrUnknownProvider = errors.New("freetier: unknown provider")

	// ErrMissingCredential indicates the provider has no usable API key.
	ErrMissingCredential = errors.New("freetier: no API key configured")
)

// DefaultTimeout bounds each outbound provider request.
const DefaultTimeout = 60 * time.Second

// Credentials resolves API keys for providers. Satisfied by *config.Config.
type Credentials interface {
	APIKey(provider string) string
}

// ProviderUsage is the reportable state of one provider, as surfaced by the
// usage endpoint.
type ProviderUsage struct {
	HasAPIKey          bool   `json:"has_api_key"`
	RequestsToday      int    `json:"requests_today"`
	RequestsThisMinute int    `json:"requests_this_minute"`
	DailyLimit         int    `json:"daily_limit"`
	MinuteLimit        int    `json:"minute_limit"`
	QuotaAvailable     bool   `json:"quota_available"`
	Model              string `json:"model"`
}

// Rotator dispatches chat requests across free-tier providers in priority
// order, skipping providers without credentials or remaining quota.
type Rotator struct {
	// providers is the fixed priority order established at construction.
	providers []Descriptor
	quota     *QuotaTracker
	creds     Credentials
	client    *http.Client
}

// NewRotator builds a rotator over the named providers in priority order.
// Unknown names in the priority list are skipped with a warning.
func NewRotator(priority []string, quota *QuotaTracker, creds Credentials, timeout time.Duration) *Rotator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	known := DefaultProviders()
	ordered := make([]Descriptor, 0, len(priority))
	for _, name := range priority {
		d, ok := known[strings.ToLower(name)]
		if !ok {
			log.Warnf("ignoring unknown free-tier provider %q in priority list", name)
			continue
		}
		ordered = append(ordered, d)
	}

	return &Rotator{
		providers: ordered,
		quota:     quota,
		creds:     creds,
		client:    &http.Client{Timeout: timeout},
	}
}

// SelectProvider returns the first provider in priority order that has both
// a usable credential and remaining quota.
func (r *Rotator) SelectProvider() (Descriptor, bool) {
	for _, d := range r.providers {
		if r.creds.APIKey(d.Name) == "" {
			continue
		}
		if !r.quota.CheckQuota(d) {
			continue
		}
		return d, true
	}
	return Descriptor{}, false
}

// Chat dispatches a prompt with automatic provider selection. It returns the
// response text and the name of the provider that served it.
func (r *Rotator) Chat(ctx context.Context, prompt string) (string, string, error) {
	d, ok := r.SelectProvider()
	if !ok {
		return "", "", fmt.Errorf("%w: all providers have exceeded their quotas; wait for a window reset or configure additional API keys", ErrQuotaExceeded)
	}
	text, err := r.dispatch(ctx, d, prompt)
	return text, d.Name, err
}

// ChatWith dispatches a prompt to an explicitly named provider. It fails with
// distinguished errors when the provider is unknown, has no credential, or
// has no remaining quota.
func (r *Rotator) ChatWith(ctx context.Context, provider, prompt string) (string, error) {
	d, ok := r.lookup(provider)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if r.creds.APIKey(d.Name) == "" {
		return "", fmt.Errorf("%w for provider %q", ErrMissingCredential, provider)
	}
	if !r.quota.CheckQuota(d) {
		return "", fmt.Errorf("%w: provider %q, try automatic selection to rotate to an alternative", ErrQuotaExceeded, provider)
	}
	return r.dispatch(ctx, d, prompt)
}

// dispatch executes the provider call and records quota usage for the
// attempt. Usage is recorded and persisted whether or not the call succeeds.
func (r *Rotator) dispatch(ctx context.Context, d Descriptor, prompt string) (text string, err error) {
	defer func() {
		if recordErr := r.quota.RecordUse(d.Name); recordErr != nil {
			log.Warnf("failed to persist quota usage for %s: %v", d.Name, recordErr)
		}
	}()

	req, err := d.Shape.BuildRequest(ctx, d, r.creds.APIKey(d.Name), prompt)
	if err != nil {
		return "", fmt.Errorf("freetier: build request for %s: %w", d.Name, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("freetier: call to %s failed: %w", d.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("freetier: read response from %s: %w", d.Name, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: provider %q rejected the request with 429", ErrQuotaExceeded, d.Name)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("freetier: %s returned status %d: %s", d.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	text, err = d.Shape.ExtractText(body)
	if err != nil {
		return "", fmt.Errorf("freetier: parse response from %s: %w", d.Name, err)
	}

	log.Debugf("free-tier dispatch served by %s (%s)", d.Name, d.Model)
	return text, nil
}

// lookup resolves a provider name against the configured rotation first (so
// endpoint overrides are honored), then the known registry.
func (r *Rotator) lookup(provider string) (Descriptor, bool) {
	name := strings.ToLower(provider)
	for _, d := range r.providers {
		if d.Name == name {
			return d, true
		}
	}
	d, ok := DefaultProviders()[name]
	return d, ok
}

// Usage reports the current state of every provider in the priority order.
func (r *Rotator) Usage() map[string]ProviderUsage {
	out := make(map[string]ProviderUsage, len(r.providers))
	for _, d := range r.providers {
		stats := r.quota.Snapshot(d.Name)
		hasKey := r.creds.APIKey(d.Name) != ""
		out[d.Name] = ProviderUsage{
			HasAPIKey:          hasKey,
			RequestsToday:      stats.RequestsToday,
			RequestsThisMinute: stats.RequestsThisMinute,
			DailyLimit:         d.PerDayLimit,
			MinuteLimit:        d.PerMinuteLimit,
			QuotaAvailable:     hasKey && r.quota.CheckQuota(d),
			Model:              d.Model,
		}
	}
	return out
}

// Available reports whether at least one provider could serve a request now.
func (r *Rotator) Available() bool {
	_, ok := r.SelectProvider()
	return ok
}

// SetBaseURL overrides a provider's endpoint. Test hook for pointing the
// rotator at a local fake.
func (r *Rotator) SetBaseURL(provider, baseURL string) {
	for i := range r.providers {
		if r.providers[i].Name == provider {
			r.providers[i].BaseURL = baseURL
		}
	}
}
