// Package sqlite persists similarity cache entries so a restarted relay can
// warm its in-memory cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/relay/pkg/models"
)

// Store is a write-through cache entry store backed by SQLite.
type Store struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	query_hash TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	embedding BLOB NOT NULL,
	response BLOB NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	cost_units REAL NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	hit_count INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_hit_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens (or creates) the store at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	// The cache store and the ledger may share one file; a single
	// connection per handle plus a busy timeout serializes their writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure cache db: %w", err)
		}
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db}, nil
}

// EncodeEmbedding packs a vector as little-endian float32s.
func EncodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding unpacks a vector written by EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// Save inserts or replaces an entry.
func (s *Store) Save(ctx context.Context, e models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (query_hash, query, embedding, response, provider_id, cost_units, quality_score, hit_count, created_at, last_hit_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.QueryHash, e.Query, EncodeEmbedding(e.Embedding), []byte(e.Response), e.ProviderID,
		e.CostUnits, e.QualityScore, int64(e.HitCount), e.CreatedAt.UTC(), e.LastHitAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Load returns every stored entry.
func (s *Store) Load(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query_hash, query, embedding, response, provider_id, cost_units, quality_score, hit_count, created_at, last_hit_at
		 FROM cache_entries ORDER BY hit_count DESC, last_hit_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var (
			e        models.CacheEntry
			blob     []byte
			response []byte
			hits     int64
		)
		if err := rows.Scan(&e.QueryHash, &e.Query, &blob, &response, &e.ProviderID,
			&e.CostUnits, &e.QualityScore, &hits, &e.CreatedAt, &e.LastHitAt); err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		if e.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.QueryHash, err)
		}
		e.Response = response
		e.HitCount = uint64(hits)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entries with the given hashes.
func (s *Store) Delete(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(hashes)), ",")
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE query_hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// UpdateHits records the current hit count and recency of an entry.
func (s *Store) UpdateHits(ctx context.Context, hash string, hits uint64, lastHit time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = ?, last_hit_at = ? WHERE query_hash = ?`,
		int64(hits), lastHit.UTC(), hash,
	)
	if err != nil {
		return fmt.Errorf("cache update hits: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return count, nil
}

// Clear removes every stored entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
