// Copyright 2026 The tokenrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/tokenrouter/internal/embedding"
)

// Stats tracks cache performance counters. Counters are monotonic until an
// explicit Clear resets them.
type Stats struct {
	TotalQueries int64   `json:"total_queries"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	HitRate      float64 `json:"hit_rate"`
}

// Options configures a SemanticCache. Zero values fall back to defaults.
type Options struct {
	// Threshold is the minimum similarity for a cache hit (inclusive).
	Threshold float64

	// TTL is the maximum entry age before expiry sweeps remove it.
	TTL time.Duration

	// MaxSize is the entry count that triggers LRU eviction.
	MaxSize int

	// SweepInterval is the lookup cadence of the expiry sweep: a sweep runs
	// on every SweepInterval-th Get. Entries can stay queryable past their
	// nominal TTL between sweeps; that staleness is bounded by
	// cadence x call rate.
	SweepInterval int

	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// SemanticCache composes the durable store and the vector index into a
// similarity-matched response cache. Paraphrased prompts hit as long as their
// embeddings land within the similarity threshold.
//
// All operations serialize on an internal mutex: mutation (insert, eviction,
// sweep) rebuilds the index wholesale, and lookups must not race a rebuild.
type SemanticCache struct {
	store    *Store
	index    *VectorIndex
	embedder embedding.Embedder

	threshold     float64
	ttl           time.Duration
	maxSize       int
	sweepInterval int
	now           func() time.Time

	// posToID maps index positions to store row ids. Rebuilt together with
	// the index.
	posToID map[int]int64

	totalQueries int64
	hits         int64
	misses       int64

	mu sync.Mutex
}

// NewSemanticCache builds a cache over the given store and embedder and
// loads the vector index from the store.
func NewSemanticCache(store *Store, embedder embedding.Embedder, opts Options) (*SemanticCache, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.85
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 100
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &SemanticCache{
		store:         store,
		index:         NewVectorIndex(embedder.Dimension()),
		embedder:      embedder,
		threshold:     opts.Threshold,
		ttl:           opts.TTL,
		maxSize:       opts.MaxSize,
		sweepInterval: opts.SweepInterval,
		now:           opts.Clock,
		posToID:       make(map[int]int64),
	}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the cached response for a semantically similar query. The
// second return value reports whether a hit occurred. Get never fails: blank
// queries, embedding errors, and store errors all count as misses, since the
// cache is an optimization layer that must not block the request path.
func (c *SemanticCache) Get(query string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalQueries++

	if strings.TrimSpace(query) == "" {
		c.misses++
		return "", false
	}

	if c.totalQueries%int64(c.sweepInterval) == 0 {
		c.sweepExpired()
	}

	vec, err := c.embedder.Embed(query)
	if err != nil {
		log.Debugf("cache lookup treated as miss: embedding failed: %v", err)
		c.misses++
		return "", false
	}
	vec = Normalize(vec)

	if c.index.Size() == 0 {
		c.misses++
		return "", false
	}

	results := c.index.Search(vec, 1)
	if len(results) == 0 || results[0].Similarity < c.threshold {
		c.misses++
		return "", false
	}

	id, ok := c.posToID[results[0].Position]
	if !ok {
		c.misses++
		return "", false
	}

	response, found, err := c.store.GetResponse(id)
	if err != nil || !found {
		if err != nil {
			log.Debugf("cache lookup treated as miss: store read failed: %v", err)
		}
		c.misses++
		return "", false
	}

	if err := c.store.Touch(id, c.now()); err != nil {
		log.Warnf("failed to update cache access metadata: %v", err)
	}

	c.hits++
	log.Debugf("cache hit id=%d similarity=%.4f", id, results[0].Similarity)
	return response, true
}

// Set stores a query/response pair. Blank queries or responses are silently
// ignored. When the store is at capacity, the least recently accessed tenth
// of the entries (at least one) is evicted first, so an insert always has a
// free slot.
func (c *SemanticCache) Set(query, response string) error {
	if strings.TrimSpace(query) == "" || response == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.store.Count()
	if err != nil {
		return err
	}
	if count >= c.maxSize {
		evictCount := count / 10
		if evictCount < 1 {
			evictCount = 1
		}
		deleted, err := c.store.DeleteOldestByAccess(evictCount)
		if err != nil {
			return err
		}
		log.Debugf("evicted %d least recently used cache entries", deleted)
		if err := c.rebuildIndex(); err != nil {
			return err
		}
	}

	vec, err := c.embedder.Embed(query)
	if err != nil {
		return err
	}
	vec = Normalize(vec)

	now := c.now()
	id, err := c.store.Insert(Entry{
		QueryText:    query,
		ResponseText: response,
		Embedding:    vec,
		CreatedAt:    now,
		LastAccessed: now,
	})
	if err != nil {
		return err
	}

	pos, err := c.index.Add(vec)
	if err != nil {
		// The row is durable but unindexed; remove it so the index and the
		// store stay consistent.
		if delErr := c.store.Delete(id); delErr != nil {
			log.Warnf("failed to remove unindexable cache entry %d: %v", id, delErr)
		}
		return err
	}
	c.posToID[pos] = id
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalQueries: c.totalQueries,
		CacheHits:    c.hits,
		CacheMisses:  c.misses,
	}
	if c.totalQueries > 0 {
		s.HitRate = float64(c.hits) / float64(c.totalQueries)
	}
	return s
}

// Size returns the number of live entries in the store.
func (c *SemanticCache) Size() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Count()
}

// Clear removes all entries, rebuilds the (empty) index, and resets counters.
func (c *SemanticCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		return err
	}
	if err := c.rebuildIndex(); err != nil {
		return err
	}
	c.totalQueries = 0
	c.hits = 0
	c.misses = 0
	return nil
}

// SetThreshold updates the similarity threshold, used by config hot reload.
func (c *SemanticCache) SetThreshold(threshold float64) {
	if threshold <= 0 || threshold > 1 {
		return
	}
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

// SetTTL updates the entry time-to-live, used by config hot reload.
func (c *SemanticCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// sweepExpired removes entries older than the TTL and rebuilds the index if
// anything was deleted. Must be called with the lock held.
func (c *SemanticCache) sweepExpired() {
	cutoff := c.now().Add(-c.ttl)
	deleted, err := c.store.DeleteExpired(cutoff)
	if err != nil {
		log.Warnf("cache expiry sweep failed: %v", err)
		return
	}
	if deleted == 0 {
		return
	}
	log.Debugf("cache expiry sweep removed %d entries", deleted)
	if err := c.rebuildIndex(); err != nil {
		log.Warnf("index rebuild after expiry sweep failed: %v", err)
	}
}

// rebuildIndex replaces the vector index and position map from the store.
// Must be called with the lock held (or during construction).
func (c *SemanticCache) rebuildIndex() error {
	rows, err := c.store.ScanAll()
	if err != nil {
		return err
	}

	vectors := make([][]float32, 0, len(rows))
	posToID := make(map[int]int64, len(rows))
	for i, row := range rows {
		vectors = append(vectors, Normalize(row.Embedding))
		posToID[i] = row.ID
	}
	if err := c.index.Rebuild(vectors); err != nil {
		return err
	}
	c.posToID = posToID
	return nil
}
