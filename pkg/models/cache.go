package models

import (
	"encoding/json"
	"time"
)

// CacheEntry stores a prior provider answer together with the embedding of
// the query that produced it.
type CacheEntry struct {
	QueryHash    string          `json:"query_hash"`
	Query        string          `json:"query"`
	Embedding    []float32       `json:"embedding,omitempty"`
	Response     json.RawMessage `json:"response"`
	ProviderID   string          `json:"provider_id"`
	CostUnits    float64         `json:"cost_units"`
	QualityScore float64         `json:"quality_score"`
	CreatedAt    time.Time       `json:"created_at"`
	LastHitAt    time.Time       `json:"last_hit_at"`
	HitCount     uint64          `json:"hit_count"`
}

// CacheStats reports similarity cache performance metrics.
type CacheStats struct {
	EntryCount         int64   `json:"entryCount"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	HitRate            float64 `json:"hitRate"`
	AvgSimilarityOnHit float64 `json:"avgSimilarityOnHit"`
	Evictions          int64   `json:"evictions"`
	EmbeddingFailures  int64   `json:"embeddingFailures"`
	Capacity           int     `json:"capacity"`
	Threshold          float64 `json:"threshold"`
}

// Provenance describes where a cache-served answer came from.
type Provenance struct {
	Cached      bool      `json:"cached"`
	SourceQuery string    `json:"source_query"`
	SourceHash  string    `json:"source_hash"`
	Similarity  float64   `json:"similarity"`
	ProviderID  string    `json:"provider_id"`
	CachedAt    time.Time `json:"cached_at"`
}

// AdaptedResponse is a stored payload wrapped with provenance metadata.
// Payload is returned byte-for-byte as it was stored.
type AdaptedResponse struct {
	Query      string          `json:"query"`
	Payload    json.RawMessage `json:"payload"`
	Provenance Provenance      `json:"provenance"`
}
