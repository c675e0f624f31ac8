package semantic

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/relay/pkg/embedding"
	"github.com/pario-ai/relay/pkg/models"
)

// vectors maps normalized query text to a fixed embedding.
type vectors map[string][]float32

func (v vectors) gateway() embedding.Gateway {
	return embedding.Func(func(_ context.Context, text string) ([]float32, error) {
		vec, ok := v[text]
		if !ok {
			return nil, errors.New("no vector for " + text)
		}
		return vec, nil
	})
}

var testVectors = vectors{
	"what is the capital of france?":     {1, 0, 0},
	"what's the capital of france?":      {0.99, 0.1, 0},
	"how do i bake bread?":               {0, 1, 0},
	"explain quantum entanglement":       {0, 0, 1},
	"explain quantum entanglement simply": {0.05, 0.05, 0.99},
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Threshold == 0 {
		opts.Threshold = 0.92
	}
	return New(testVectors.gateway(), opts)
}

func TestCosine(t *testing.T) {
	v := []float32{0.3, -1.2, 4.5, 0.01}
	w := []float32{1, 2, 3, 4}
	require.InDelta(t, 1.0, Cosine(v, v), 1e-9)
	require.InDelta(t, Cosine(v, w), Cosine(w, v), 1e-12)
	require.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-12)
	require.InDelta(t, -1.0, Cosine([]float32{1, 2}, []float32{-1, -2}), 1e-9)

	require.Zero(t, Cosine(nil, nil))
	require.Zero(t, Cosine([]float32{1, 2}, []float32{1, 2, 3}))
	require.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestHashQueryNormalizes(t *testing.T) {
	require.Equal(t, HashQuery("What is Go?"), HashQuery("  what   is go? "))
	require.NotEqual(t, HashQuery("what is go?"), HashQuery("what is rust?"))
	require.Len(t, HashQuery("x"), 64)
}

func TestLookupHitAboveThreshold(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{Capacity: 10})

	_, err := c.Store(ctx, StoreRequest{
		Query:      "What is the capital of France?",
		Response:   []byte(`{"answer":"Paris"}`),
		ProviderID: "a",
		Cost:       0.02,
		Quality:    1,
	})
	require.NoError(t, err)

	res, err := c.Lookup(ctx, "What's the capital of France?")
	require.NoError(t, err)
	require.True(t, res.Hit)
	require.GreaterOrEqual(t, res.Similarity, 0.92)
	require.Equal(t, "a", res.Entry.ProviderID)
	require.JSONEq(t, `{"answer":"Paris"}`, string(res.Entry.Response))
	require.NotEmpty(t, res.Embedding)

	miss, err := c.Lookup(ctx, "How do I bake bread?")
	require.NoError(t, err)
	require.False(t, miss.Hit)
	require.NotEmpty(t, miss.Embedding, "embedding is returned for reuse on store")

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 1e-9)
	require.InDelta(t, res.Similarity, stats.AvgSimilarityOnHit, 1e-9)
}

func TestBelowThresholdQueriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{Capacity: 10})

	first, err := c.Lookup(ctx, "explain quantum entanglement")
	require.NoError(t, err)
	require.False(t, first.Hit)
	_, err = c.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Embedding: first.Embedding, Response: []byte(`"one"`)})
	require.NoError(t, err)

	// Similar but not similar enough under a strict threshold.
	strict := New(testVectors.gateway(), Options{Threshold: 0.999, Capacity: 10})
	_, err = strict.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`"one"`)})
	require.NoError(t, err)
	res, err := strict.Lookup(ctx, "explain quantum entanglement simply")
	require.NoError(t, err)
	require.False(t, res.Hit)
	_, err = strict.Store(ctx, StoreRequest{Query: "explain quantum entanglement simply", Embedding: res.Embedding, Response: []byte(`"two"`)})
	require.NoError(t, err)
	require.Len(t, strict.Entries(), 2)
}

func TestStoreIsIdempotentPerHash(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{Capacity: 10})

	first, err := c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`"v1"`), ProviderID: "a", Cost: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.HitCount)
	require.True(t, c.RecordHit(first.QueryHash))

	second, err := c.Store(ctx, StoreRequest{Query: "How do I  bake bread?", Response: []byte(`"v2"`), ProviderID: "b", Cost: 2})
	require.NoError(t, err)
	require.Equal(t, first.QueryHash, second.QueryHash)
	require.Equal(t, uint64(2), second.HitCount, "re-store keeps hit count")
	require.Equal(t, `"v2"`, string(second.Response))
	require.Equal(t, "b", second.ProviderID)
	require.Len(t, c.Entries(), 1)
}

func TestRecordHitConcurrent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Options{Capacity: 10})
	e, err := c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`"x"`)})
	require.NoError(t, err)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for range perWorker {
				c.RecordHit(e.QueryHash)
				for _, snap := range c.Entries() {
					if snap.HitCount < last {
						t.Errorf("hit count decreased: %d < %d", snap.HitCount, last)
					}
					last = snap.HitCount
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(1+workers*perWorker), c.Entries()[0].HitCount)
	require.False(t, c.RecordHit("missing"))
}

func TestEvictionLowestHitCountFirst(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Options{Capacity: 2, Now: clock.Now})

	a, _ := c.Store(ctx, StoreRequest{Query: "what is the capital of france?", Response: []byte(`"a"`)})
	clock.Advance(time.Second)
	b, _ := c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`"b"`)})
	clock.Advance(time.Second)
	c.RecordHit(a.QueryHash)

	// b has the fewest hits; inserting a third entry evicts it.
	third, err := c.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`"c"`)})
	require.NoError(t, err)

	hashes := map[string]bool{}
	for _, e := range c.Entries() {
		hashes[e.QueryHash] = true
	}
	require.Len(t, hashes, 2)
	require.True(t, hashes[a.QueryHash])
	require.True(t, hashes[third.QueryHash])
	require.False(t, hashes[b.QueryHash])
	require.Equal(t, int64(1), c.Stats().Evictions)
}

func TestEvictionBreaksTiesByRecency(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Options{Capacity: 2, Now: clock.Now})

	older, _ := c.Store(ctx, StoreRequest{Query: "what is the capital of france?", Response: []byte(`1`)})
	clock.Advance(time.Second)
	newer, _ := c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`2`)})
	clock.Advance(time.Second)
	_, _ = c.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`3`)})

	var kept []string
	for _, e := range c.Entries() {
		kept = append(kept, e.QueryHash)
	}
	require.NotContains(t, kept, older.QueryHash)
	require.Contains(t, kept, newer.QueryHash)
}

func TestLookupFailsOpen(t *testing.T) {
	c := New(embedding.Func(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("gateway down")
	}), Options{Capacity: 10})

	res, err := c.Lookup(context.Background(), "anything")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	require.False(t, res.Hit)
	require.Equal(t, int64(1), c.Stats().EmbeddingFailures)
	require.Equal(t, int64(1), c.Stats().Misses)

	nilGateway := New(nil, Options{})
	_, err = nilGateway.Lookup(context.Background(), "anything")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestAdaptResponseKeepsPayload(t *testing.T) {
	c := newTestCache(t, Options{Capacity: 10})
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := models.CacheEntry{
		QueryHash:  "abc",
		Query:      "original question",
		Response:   []byte(`{"choices":[{"text":"  spaced  "}]}`),
		ProviderID: "a",
		CreatedAt:  created,
	}

	adapted := c.AdaptResponse(e, 0.95, "new question")
	require.Equal(t, string(e.Response), string(adapted.Payload))
	require.Equal(t, "new question", adapted.Query)
	require.True(t, adapted.Provenance.Cached)
	require.Equal(t, "original question", adapted.Provenance.SourceQuery)
	require.Equal(t, "abc", adapted.Provenance.SourceHash)
	require.Equal(t, 0.95, adapted.Provenance.Similarity)
	require.Equal(t, created, adapted.Provenance.CachedAt)
}

func TestSweepExpiresOldEntries(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newTestCache(t, Options{Capacity: 10, MaxAge: time.Hour, Now: clock.Now})

	_, _ = c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`1`)})
	clock.Advance(45 * time.Minute)
	_, _ = c.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`2`)})
	clock.Advance(30 * time.Minute)

	require.Equal(t, 1, c.Sweep(ctx))
	entries := c.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "explain quantum entanglement", entries[0].Query)
}

// memPersister is an in-memory Persister.
type memPersister struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
}

func newMemPersister() *memPersister {
	return &memPersister{entries: map[string]models.CacheEntry{}}
}

func (m *memPersister) Load(context.Context) ([]models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memPersister) Save(_ context.Context, e models.CacheEntry) error {
	m.mu.Lock()
	m.entries[e.QueryHash] = e
	m.mu.Unlock()
	return nil
}

func (m *memPersister) Delete(_ context.Context, hashes ...string) error {
	m.mu.Lock()
	for _, h := range hashes {
		delete(m.entries, h)
	}
	m.mu.Unlock()
	return nil
}

func (m *memPersister) UpdateHits(_ context.Context, hash string, hits uint64, lastHit time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[hash]; ok {
		e.HitCount, e.LastHitAt = hits, lastHit
		m.entries[hash] = e
	}
	return nil
}

func (m *memPersister) Clear(context.Context) error {
	m.mu.Lock()
	m.entries = map[string]models.CacheEntry{}
	m.mu.Unlock()
	return nil
}

func TestWarmRestoresPersistedEntries(t *testing.T) {
	ctx := context.Background()
	store := newMemPersister()

	first := newTestCache(t, Options{Capacity: 10, Persister: store})
	bread, _ := first.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`"bread"`)})
	_, _ = first.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`"qe"`)})
	first.RecordHit(bread.QueryHash)
	first.RecordHit(bread.QueryHash)
	first.Sweep(ctx)

	// A smaller cache keeps only the most used entry.
	second := newTestCache(t, Options{Capacity: 1, Persister: store})
	n, err := second.Warm(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	entries := second.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, bread.QueryHash, entries[0].QueryHash)
	require.Equal(t, uint64(3), entries[0].HitCount)

	res, err := second.Lookup(ctx, "How do I bake bread?")
	require.NoError(t, err)
	require.True(t, res.Hit)

	require.NoError(t, second.Clear(ctx))
	persisted, _ := store.Load(ctx)
	require.Empty(t, persisted)
	require.Empty(t, second.Entries())
}

func TestEvictionDeletesPersisted(t *testing.T) {
	ctx := context.Background()
	store := newMemPersister()
	c := newTestCache(t, Options{Capacity: 1, Persister: store})

	_, _ = c.Store(ctx, StoreRequest{Query: "how do i bake bread?", Response: []byte(`1`)})
	_, _ = c.Store(ctx, StoreRequest{Query: "explain quantum entanglement", Response: []byte(`2`)})

	persisted, _ := store.Load(ctx)
	require.Len(t, persisted, 1)
	require.Equal(t, "explain quantum entanglement", persisted[0].Query)
	require.False(t, math.IsNaN(c.Stats().HitRate))
}
