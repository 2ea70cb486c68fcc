// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides a content-addressed result cache with
// near-duplicate lookup and LRU/TTL eviction.
//
// Keys are fingerprints of the normalized input (see package structure).
// When an exact fingerprint misses, entries in the same context are
// scanned and the best one whose key-path structure overlaps the new
// input by at least the similarity threshold is returned as an adapted
// hit. Adapted hits return the stored value unchanged.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLedger/services/ledger/structure"
)

// =============================================================================
// Options
// =============================================================================

// Options configures a SimilarityCache.
type Options struct {
	// MaxSize is the entry count at which eviction starts.
	MaxSize int

	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// SimilarityThreshold is the minimum Jaccard score for an adapted hit.
	// Values above 1 disable adapted hits.
	SimilarityThreshold float64

	// EvictFraction is the share of entries evicted when full.
	EvictFraction float64

	// Now returns the current time.
	Now func() time.Time

	// Logger receives debug output. nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		MaxSize:             1000,
		DefaultTTL:          time.Hour,
		SimilarityThreshold: 0.85,
		EvictFraction:       0.10,
		Now:                 time.Now,
	}
}

// Option mutates Options.
type Option func(*Options)

// WithMaxSize sets MaxSize.
func WithMaxSize(n int) Option {
	return func(o *Options) { o.MaxSize = n }
}

// WithDefaultTTL sets DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *Options) { o.DefaultTTL = ttl }
}

// WithSimilarityThreshold sets SimilarityThreshold.
func WithSimilarityThreshold(t float64) Option {
	return func(o *Options) { o.SimilarityThreshold = t }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// =============================================================================
// Types
// =============================================================================

// Hit describes a successful lookup.
type Hit struct {
	// Value is the stored value, returned as-is.
	Value any

	// Fingerprint is the key of the entry that matched.
	Fingerprint string

	// Adapted is true for a near-duplicate match.
	Adapted bool

	// Similarity is 1 for exact hits, the Jaccard score otherwise.
	Similarity float64
}

// Entry is a point-in-time copy of one cache entry.
type Entry struct {
	Fingerprint    string
	Context        string
	Input          any
	Value          any
	CreatedAt      time.Time
	TTL            time.Duration
	AccessCount    int64
	LastAccessedAt time.Time
}

// Valid reports whether the entry is within its TTL at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

type entry struct {
	Entry
	key         string
	resultPaths structure.PathSet
	elem        *list.Element
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	AdaptedHits int64 `json:"adaptedHits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	MaxSize     int   `json:"maxSize"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// =============================================================================
// SimilarityCache
// =============================================================================

// SimilarityCache is the process-local result cache.
//
// Thread Safety: Safe for concurrent use. A single mutex guards the entry
// map, the recency list, and per-entry access metadata.
type SimilarityCache struct {
	mu        sync.Mutex
	opts      Options
	entries   map[string]*entry
	lru       *list.List // front = most recently accessed
	group     singleflight.Group
	logger    *slog.Logger
	threshold atomic.Uint64 // math.Float64bits of SimilarityThreshold

	hits        atomic.Int64
	adaptedHits atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates a cache.
func New(opts ...Option) *SimilarityCache {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := DefaultOptions()
	if o.MaxSize < 1 {
		o.MaxSize = d.MaxSize
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.DefaultTTL
	}
	if o.EvictFraction <= 0 || o.EvictFraction > 1 {
		o.EvictFraction = d.EvictFraction
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &SimilarityCache{
		opts:    o,
		entries: make(map[string]*entry),
		lru:     list.New(),
		logger:  logger,
	}
	c.threshold.Store(math.Float64bits(o.SimilarityThreshold))
	return c
}

// SetSimilarityThreshold changes the adapted-hit threshold at runtime.
func (c *SimilarityCache) SetSimilarityThreshold(t float64) {
	c.threshold.Store(math.Float64bits(t))
}

// SimilarityThreshold returns the active adapted-hit threshold.
func (c *SimilarityCache) SimilarityThreshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

func entryKey(cacheCtx, fingerprint string) string {
	return cacheCtx + "\x00" + fingerprint
}

// Structured lets a cached value choose the structure that adapted
// lookups are scored against. Values that do not implement it are scored
// by their own key paths.
type Structured interface {
	CacheStructure() any
}

// Get looks up input under cacheCtx.
//
// Description:
//
//	Tries the exact fingerprint first. An expired exact entry is removed
//	and the lookup continues. On an exact miss, every valid entry in the
//	same context is scored by the Jaccard overlap between the input's key
//	paths and the key paths of the entry's stored result. Stored inputs
//	are never compared with each other, so two documents of the same shape
//	but different content do not match. The best score at or above the
//	threshold wins, ties going to the most recently accessed entry.
//
// Outputs:
//
//	Hit - The match. Zero when ok is false.
//	bool - Whether anything matched.
func (c *SimilarityCache) Get(ctx context.Context, input any, cacheCtx string) (Hit, bool) {
	ctx, span := startSpan(ctx, "Get", cacheCtx)
	defer span.End()
	start := c.opts.Now()

	fp, err := structure.Fingerprint(input)
	if err != nil {
		c.logger.Debug("cache fingerprint failed", slog.String("error", err.Error()))
		c.misses.Add(1)
		recordMiss(ctx, cacheCtx)
		return Hit{}, false
	}
	paths, _ := structure.KeyPaths(input)

	c.mu.Lock()
	now := c.opts.Now()
	expired := 0

	if e, ok := c.entries[entryKey(cacheCtx, fp)]; ok {
		if e.Valid(now) {
			c.touchLocked(e, now)
			hit := Hit{Value: e.Value, Fingerprint: fp, Similarity: 1}
			c.mu.Unlock()
			c.hits.Add(1)
			recordHit(ctx, cacheCtx, false)
			recordGetLatency(ctx, c.opts.Now().Sub(start), true)
			return hit, true
		}
		c.removeLocked(e)
		expired++
	}

	var best *entry
	bestScore := -1.0
	threshold := c.SimilarityThreshold()
	if len(paths) > 0 && threshold <= 1 {
		var stale []*entry
		for el := c.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if e.Context != cacheCtx {
				continue
			}
			if !e.Valid(now) {
				stale = append(stale, e)
				continue
			}
			score := structure.Jaccard(paths, e.resultPaths)
			if score >= threshold && score > bestScore {
				best, bestScore = e, score
			}
		}
		for _, e := range stale {
			c.removeLocked(e)
		}
		expired += len(stale)
	}

	var hit Hit
	if best != nil {
		c.touchLocked(best, now)
		hit = Hit{Value: best.Value, Fingerprint: best.Fingerprint, Adapted: true, Similarity: bestScore}
	}
	c.mu.Unlock()

	if expired > 0 {
		c.expirations.Add(int64(expired))
		recordExpirations(ctx, expired)
	}

	if best == nil {
		c.misses.Add(1)
		recordMiss(ctx, cacheCtx)
		recordGetLatency(ctx, c.opts.Now().Sub(start), false)
		return Hit{}, false
	}

	c.hits.Add(1)
	c.adaptedHits.Add(1)
	recordHit(ctx, cacheCtx, true)
	recordGetLatency(ctx, c.opts.Now().Sub(start), true)
	c.logger.Debug("adapted cache hit",
		slog.String("context", cacheCtx),
		slog.Float64("similarity", bestScore),
	)
	return hit, true
}

func resultStructure(value any) any {
	if s, ok := value.(Structured); ok {
		return s.CacheStructure()
	}
	return value
}

// Set stores value for input under cacheCtx. ttl <= 0 uses DefaultTTL.
//
// When the cache is full, the least recently accessed EvictFraction of
// entries (at least one) is evicted before inserting.
func (c *SimilarityCache) Set(ctx context.Context, input, value any, cacheCtx string, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "Set", cacheCtx)
	defer span.End()

	normalized, err := structure.Normalize(input)
	if err != nil {
		return err
	}
	fp, err := structure.Fingerprint(normalized)
	if err != nil {
		return err
	}
	resultPaths, err := structure.KeyPaths(resultStructure(value))
	if err != nil {
		resultPaths = structure.PathSet{}
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	c.mu.Lock()
	now := c.opts.Now()
	key := entryKey(cacheCtx, fp)
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	evicted := 0
	if len(c.entries) >= c.opts.MaxSize {
		evicted = c.evictLocked()
	}

	e := &entry{
		Entry: Entry{
			Fingerprint:    fp,
			Context:        cacheCtx,
			Input:          normalized,
			Value:          value,
			CreatedAt:      now,
			TTL:            ttl,
			LastAccessedAt: now,
		},
		key:         key,
		resultPaths: resultPaths,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.mu.Unlock()

	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		recordEvictions(ctx, evicted)
		c.logger.Debug("cache evicted entries", slog.Int("count", evicted))
	}
	return nil
}

// GetOrCompute returns the cached value for input or computes and stores it.
//
// Concurrent callers computing the same input under the same context share
// one computation. cached reports whether the value came from the cache.
// Errors from compute are returned and not cached.
func (c *SimilarityCache) GetOrCompute(
	ctx context.Context,
	input any,
	cacheCtx string,
	compute func(context.Context) (any, error),
) (any, bool, error) {
	if hit, ok := c.Get(ctx, input, cacheCtx); ok {
		return hit.Value, true, nil
	}

	fp, err := structure.Fingerprint(input)
	if err != nil {
		v, err := compute(ctx)
		return v, false, err
	}

	v, err, _ := c.group.Do(entryKey(cacheCtx, fp), func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(ctx, input, v, cacheCtx, 0); setErr != nil {
			c.logger.Warn("cache store failed", slog.String("error", setErr.Error()))
		}
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Delete removes the exact entry for input under cacheCtx.
func (c *SimilarityCache) Delete(input any, cacheCtx string) bool {
	fp, err := structure.Fingerprint(input)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[entryKey(cacheCtx, fp)]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// Prune removes every expired entry and returns how many were removed.
func (c *SimilarityCache) Prune(ctx context.Context) int {
	c.mu.Lock()
	now := c.opts.Now()
	var stale []*entry
	for _, e := range c.entries {
		if !e.Valid(now) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	c.expirations.Add(int64(len(stale)))
	recordExpirations(ctx, len(stale))
	return len(stale)
}

// Clear removes every entry. Counters are kept.
func (c *SimilarityCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *SimilarityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *SimilarityCache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		AdaptedHits: c.adaptedHits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.Len(),
		MaxSize:     c.opts.MaxSize,
	}
}

// Range calls fn with a copy of every valid entry, most recently accessed
// first, until fn returns false. fn runs without the cache lock held.
func (c *SimilarityCache) Range(fn func(Entry) bool) {
	c.mu.Lock()
	now := c.opts.Now()
	snapshot := make([]Entry, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.Valid(now) {
			snapshot = append(snapshot, e.Entry)
		}
	}
	c.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// Now returns the cache's notion of the current time.
func (c *SimilarityCache) Now() time.Time {
	return c.opts.Now()
}

func (c *SimilarityCache) touchLocked(e *entry, now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
	c.lru.MoveToFront(e.elem)
}

func (c *SimilarityCache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

// evictLocked removes the least recently accessed EvictFraction of entries.
func (c *SimilarityCache) evictLocked() int {
	n := int(math.Ceil(float64(len(c.entries)) * c.opts.EvictFraction))
	if n < 1 {
		n = 1
	}
	evicted := 0
	for evicted < n {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		evicted++
	}
	return evicted
}
