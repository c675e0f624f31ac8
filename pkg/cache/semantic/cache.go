// Package semantic implements a bounded similarity cache: answers are stored
// with the embedding of the query that produced them and served again for
// any query whose embedding is close enough.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/embedding"
	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

// ErrEmbeddingUnavailable is returned alongside a miss when the query could
// not be embedded. It is never fatal to routing.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// DefaultThreshold is the minimum cosine similarity for a hit.
const DefaultThreshold = 0.92

// Persister is write-through storage for cache entries. It lets a restarted
// process warm its cache. Persistence errors are logged, never returned to
// routing.
type Persister interface {
	Load(ctx context.Context) ([]models.CacheEntry, error)
	Save(ctx context.Context, e models.CacheEntry) error
	Delete(ctx context.Context, hashes ...string) error
	UpdateHits(ctx context.Context, hash string, hits uint64, lastHit time.Time) error
	Clear(ctx context.Context) error
}

// Options configures a Cache.
type Options struct {
	Threshold float64
	Capacity  int
	// MaxAge bounds entry age; enforced by Sweep. Zero disables it.
	MaxAge    time.Duration
	Persister Persister
	Logger    *zap.Logger
	Now       func() time.Time
}

// LookupResult is the outcome of a Lookup. Embedding is the query vector,
// set whenever embedding succeeded, so the caller can reuse it for Store.
type LookupResult struct {
	Hit        bool
	Entry      models.CacheEntry
	Similarity float64
	Embedding  []float32
}

// StoreRequest describes an answer to cache.
type StoreRequest struct {
	Query      string
	Embedding  []float32
	Response   []byte
	ProviderID string
	Cost       float64
	Quality    float64
}

type entry struct {
	models.CacheEntry
	hits    atomic.Uint64
	lastHit atomic.Int64 // unix nanos
}

func (e *entry) snapshot() models.CacheEntry {
	out := e.CacheEntry
	out.HitCount = e.hits.Load()
	out.LastHitAt = time.Unix(0, e.lastHit.Load()).UTC()
	return out
}

// Cache is a similarity cache safe for concurrent use. Lookups hold only a
// read lock; hit counters are atomic.
type Cache struct {
	gateway   embedding.Gateway
	threshold float64
	capacity  int
	maxAge    time.Duration
	store     Persister
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	failures  atomic.Int64

	simMu  sync.Mutex
	simSum float64
}

// New creates a Cache that embeds queries with gateway.
func New(gateway embedding.Gateway, opts Options) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		gateway:   gateway,
		threshold: opts.Threshold,
		capacity:  opts.Capacity,
		maxAge:    opts.MaxAge,
		store:     opts.Persister,
		logger:    opts.Logger,
		now:       opts.Now,
		entries:   make(map[string]*entry),
	}
}

// Threshold returns the similarity threshold for a hit.
func (c *Cache) Threshold() float64 { return c.threshold }

func (c *Cache) embed(ctx context.Context, query string) ([]float32, error) {
	if c.gateway == nil {
		return nil, ErrEmbeddingUnavailable
	}
	vec, err := c.gateway.Embed(ctx, embedding.Normalize(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, ErrEmbeddingUnavailable
	}
	return vec, nil
}

// Lookup returns the stored entry most similar to query when its similarity
// reaches the threshold. An embedding failure yields a miss together with an
// error wrapping ErrEmbeddingUnavailable.
func (c *Cache) Lookup(ctx context.Context, query string) (LookupResult, error) {
	vec, err := c.embed(ctx, query)
	if err != nil {
		c.failures.Add(1)
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues("embedding_unavailable").Inc()
		c.logger.Warn("cache lookup skipped: embedding unavailable", zap.Error(err))
		return LookupResult{}, err
	}

	var (
		best    *entry
		bestSim float64
	)
	c.mu.RLock()
	for _, e := range c.entries {
		sim := Cosine(vec, e.Embedding)
		if best == nil || sim > bestSim || (sim == bestSim && e.CreatedAt.Before(best.CreatedAt)) {
			best, bestSim = e, sim
		}
	}
	var snap models.CacheEntry
	if best != nil {
		snap = best.snapshot()
	}
	c.mu.RUnlock()

	if best == nil || bestSim < c.threshold {
		c.misses.Add(1)
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return LookupResult{Embedding: vec, Similarity: bestSim}, nil
	}

	c.hits.Add(1)
	c.simMu.Lock()
	c.simSum += bestSim
	c.simMu.Unlock()
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return LookupResult{Hit: true, Entry: snap, Similarity: bestSim, Embedding: vec}, nil
}

// Store caches an answer. A query with the same hash as an existing entry
// replaces its payload and keeps its hit count; otherwise the entry is
// inserted with a hit count of 1, evicting the least used entries when the
// cache is over capacity.
func (c *Cache) Store(ctx context.Context, req StoreRequest) (models.CacheEntry, error) {
	vec := req.Embedding
	if len(vec) == 0 {
		var err error
		if vec, err = c.embed(ctx, req.Query); err != nil {
			c.failures.Add(1)
			return models.CacheEntry{}, err
		}
	}

	hash := HashQuery(req.Query)
	now := c.now().UTC()

	c.mu.Lock()
	e, ok := c.entries[hash]
	if ok {
		e.Query = req.Query
		e.Embedding = vec
		e.Response = append([]byte(nil), req.Response...)
		e.ProviderID = req.ProviderID
		e.CostUnits = req.Cost
		e.QualityScore = req.Quality
	} else {
		e = &entry{CacheEntry: models.CacheEntry{
			QueryHash:    hash,
			Query:        req.Query,
			Embedding:    vec,
			Response:     append([]byte(nil), req.Response...),
			ProviderID:   req.ProviderID,
			CostUnits:    req.Cost,
			QualityScore: req.Quality,
			CreatedAt:    now,
		}}
		e.hits.Store(1)
		e.lastHit.Store(now.UnixNano())
		c.entries[hash] = e
	}
	evicted := c.evictLocked(hash)
	snap := e.snapshot()
	size := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(size))
	if c.store != nil {
		if err := c.store.Save(ctx, snap); err != nil {
			c.logger.Warn("persist cache entry", zap.String("hash", hash), zap.Error(err))
		}
		if len(evicted) > 0 {
			if err := c.store.Delete(ctx, evicted...); err != nil {
				c.logger.Warn("delete evicted entries", zap.Error(err))
			}
		}
	}
	return snap, nil
}

// evictLocked removes the entries with the lowest (hitCount, lastHit) until
// the cache fits its capacity. keep is never evicted. c.mu must be held.
func (c *Cache) evictLocked(keep string) []string {
	if c.capacity <= 0 || len(c.entries) <= c.capacity {
		return nil
	}
	candidates := make([]*entry, 0, len(c.entries))
	for h, e := range c.entries {
		if h != keep {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		hi, hj := candidates[i].hits.Load(), candidates[j].hits.Load()
		if hi != hj {
			return hi < hj
		}
		return candidates[i].lastHit.Load() < candidates[j].lastHit.Load()
	})

	var evicted []string
	for _, e := range candidates {
		if len(c.entries) <= c.capacity {
			break
		}
		delete(c.entries, e.QueryHash)
		evicted = append(evicted, e.QueryHash)
		c.logger.Debug("cache entry evicted",
			zap.String("hash", e.QueryHash),
			zap.Uint64("hits", e.hits.Load()))
	}
	c.evictions.Add(int64(len(evicted)))
	metrics.CacheEvictions.Add(float64(len(evicted)))
	return evicted
}

// RecordHit increments the hit count of the entry with hash and refreshes
// its recency. It reports whether the entry exists.
func (c *Cache) RecordHit(hash string) bool {
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	e.hits.Add(1)
	e.lastHit.Store(c.now().UnixNano())
	return true
}

// AdaptResponse wraps a cached payload with provenance for newQuery. The
// payload is returned unchanged.
func (c *Cache) AdaptResponse(e models.CacheEntry, similarity float64, newQuery string) models.AdaptedResponse {
	return models.AdaptedResponse{
		Query:   newQuery,
		Payload: e.Response,
		Provenance: models.Provenance{
			Cached:      true,
			SourceQuery: e.Query,
			SourceHash:  e.QueryHash,
			Similarity:  similarity,
			ProviderID:  e.ProviderID,
			CachedAt:    e.CreatedAt,
		},
	}
}

// Stats returns cache performance counters.
func (c *Cache) Stats() models.CacheStats {
	c.mu.RLock()
	count := len(c.entries)
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	stats := models.CacheStats{
		EntryCount:        int64(count),
		Hits:              hits,
		Misses:            misses,
		Evictions:         c.evictions.Load(),
		EmbeddingFailures: c.failures.Load(),
		Capacity:          c.capacity,
		Threshold:         c.threshold,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if hits > 0 {
		c.simMu.Lock()
		stats.AvgSimilarityOnHit = c.simSum / float64(hits)
		c.simMu.Unlock()
	}
	return stats
}

// Entries returns a snapshot of all entries, most used first.
func (c *Cache) Entries() []models.CacheEntry {
	c.mu.RLock()
	out := make([]models.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].HitCount != out[j].HitCount {
			return out[i].HitCount > out[j].HitCount
		}
		return out[i].QueryHash < out[j].QueryHash
	})
	return out
}

// Clear removes every entry, including persisted ones.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	metrics.CacheEntries.Set(0)

	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			return fmt.Errorf("clear persisted cache: %w", err)
		}
	}
	return nil
}

// Sweep removes entries older than MaxAge and flushes hit counts to the
// persister. It returns the number of entries removed.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()
	var expired []string
	var live []models.CacheEntry

	c.mu.Lock()
	for h, e := range c.entries {
		if c.maxAge > 0 && now.Sub(e.CreatedAt) > c.maxAge {
			delete(c.entries, h)
			expired = append(expired, h)
			continue
		}
		live = append(live, e.snapshot())
	}
	size := len(c.entries)
	c.mu.Unlock()
	metrics.CacheEntries.Set(float64(size))

	if c.store != nil {
		if len(expired) > 0 {
			if err := c.store.Delete(ctx, expired...); err != nil {
				c.logger.Warn("delete expired entries", zap.Error(err))
			}
		}
		for _, e := range live {
			if err := c.store.UpdateHits(ctx, e.QueryHash, e.HitCount, e.LastHitAt); err != nil {
				c.logger.Warn("flush hit count", zap.String("hash", e.QueryHash), zap.Error(err))
				break
			}
		}
	}
	if len(expired) > 0 {
		c.logger.Info("cache sweep", zap.Int("expired", len(expired)), zap.Int("entries", size))
	}
	return len(expired)
}

// Warm loads persisted entries into memory. Expired entries are skipped and
// the most used entries win when the store holds more than the capacity.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	stored, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted cache: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].HitCount != stored[j].HitCount {
			return stored[i].HitCount > stored[j].HitCount
		}
		return stored[i].LastHitAt.After(stored[j].LastHitAt)
	})

	now := c.now()
	loaded := 0
	c.mu.Lock()
	for _, se := range stored {
		if c.capacity > 0 && len(c.entries) >= c.capacity {
			break
		}
		if c.maxAge > 0 && now.Sub(se.CreatedAt) > c.maxAge {
			continue
		}
		if _, dup := c.entries[se.QueryHash]; dup || len(se.Embedding) == 0 {
			continue
		}
		e := &entry{CacheEntry: se}
		hits := se.HitCount
		if hits == 0 {
			hits = 1
		}
		e.hits.Store(hits)
		last := se.LastHitAt
		if last.IsZero() {
			last = se.CreatedAt
		}
		e.lastHit.Store(last.UnixNano())
		c.entries[se.QueryHash] = e
		loaded++
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(size))
	c.logger.Info("cache warmed", zap.Int("loaded", loaded), zap.Int("stored", len(stored)))
	return loaded, nil
}
