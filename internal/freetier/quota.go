// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package freetier

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// UsageStats are the per-provider quota counters. They are persisted across
// restarts so a process bounce cannot reset a provider's daily budget.
type UsageStats struct {
	RequestsToday      int     `json:"requests_today"`
	RequestsThisMinute int     `json:"requests_this_minute"`
	LastRequestTime    float64 `json:"last_request_time"`
	DailyWindowStart   float64 `json:"daily_window_start"`
	MinuteWindowStart  float64 `json:"minute_window_start"`
}

// QuotaTracker maintains sliding per-minute and day-aligned per-day request
// counters for each provider, backed by a JSON file. Counters are persisted
// after every recorded use, before control returns to the caller; a crash
// between dispatch and persistence under-counts, which biases toward
// permissiveness rather than false quota-exceeded.
type QuotaTracker struct {
	path  string
	usage map[string]*UsageStats
	now   func() time.Time
	mu    sync.Mutex
}

// NewQuotaTracker loads (or initializes) quota state for the given providers.
// A corrupt state file is preserved under a .corrupt-<unix> suffix and the
// tracker starts from empty counters.
func NewQuotaTracker(path string, providers []string, clock func() time.Time) (*QuotaTracker, error) {
	if clock == nil {
		clock = time.Now
	}
	t := &QuotaTracker{
		path:  path,
		usage: make(map[string]*UsageStats),
		now:   clock,
	}

	if data, err := os.ReadFile(path); err == nil {
		if jsonErr := json.Unmarshal(data, &t.usage); jsonErr != nil {
			backup := fmt.Sprintf("%s.corrupt-%d", path, clock().Unix())
			log.Warnf("quota state at %s is corrupt (%v); preserving as %s and reinitializing", path, jsonErr, backup)
			if renameErr := os.Rename(path, backup); renameErr != nil {
				log.Warnf("could not preserve corrupt quota state: %v", renameErr)
			}
			t.usage = make(map[string]*UsageStats)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("freetier: read quota state: %w", err)
	}

	for _, name := range providers {
		if _, ok := t.usage[name]; !ok {
			t.usage[name] = t.freshStats()
		}
	}
	return t, nil
}

func (t *QuotaTracker) freshStats() *UsageStats {
	now := t.now()
	return &UsageStats{
		DailyWindowStart:  unixSeconds(midnightUTC(now)),
		MinuteWindowStart: unixSeconds(now),
	}
}

// CheckQuota reports whether the provider has capacity right now, rolling
// over any expired counting windows first.
func (t *QuotaTracker) CheckQuota(d Descriptor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkQuotaLocked(d)
}

func (t *QuotaTracker) checkQuotaLocked(d Descriptor) bool {
	stats := t.statsLocked(d.Name)
	t.rolloverLocked(stats)

	if d.PerDayLimit > 0 && stats.RequestsToday >= d.PerDayLimit {
		return false
	}
	if d.PerMinuteLimit > 0 && stats.RequestsThisMinute >= d.PerMinuteLimit {
		return false
	}
	return true
}

// RecordUse increments the provider's counters and durably persists the
// tracker state before returning. Call exactly once per attempted dispatch.
func (t *QuotaTracker) RecordUse(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(name)
	t.rolloverLocked(stats)
	stats.RequestsToday++
	stats.RequestsThisMinute++
	stats.LastRequestTime = unixSeconds(t.now())

	return t.saveLocked()
}

// Snapshot returns a copy of the provider's counters after window rollover.
func (t *QuotaTracker) Snapshot(name string) UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(name)
	t.rolloverLocked(stats)
	return *stats
}

func (t *QuotaTracker) statsLocked(name string) *UsageStats {
	stats, ok := t.usage[name]
	if !ok {
		stats = t.freshStats()
		t.usage[name] = stats
	}
	return stats
}

// rolloverLocked resets counters whose windows have passed. The daily window
// is day-aligned at midnight UTC, not sliding; the minute window slides.
func (t *QuotaTracker) rolloverLocked(stats *UsageStats) {
	now := t.now()

	midnight := unixSeconds(midnightUTC(now))
	if midnight > stats.DailyWindowStart {
		stats.RequestsToday = 0
		stats.DailyWindowStart = midnight
	}

	if unixSeconds(now)-stats.MinuteWindowStart >= 60 {
		stats.RequestsThisMinute = 0
		stats.MinuteWindowStart = unixSeconds(now)
	}
}

// saveLocked writes the state file atomically (temp file + rename).
func (t *QuotaTracker) saveLocked() error {
	data, err := json.MarshalIndent(t.usage, "", "  ")
	if err != nil {
		return fmt.Errorf("freetier: marshal quota state: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("freetier: write quota state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("freetier: replace quota state: %w", err)
	}
	return nil
}

func midnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
