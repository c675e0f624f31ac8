// Package ledger persists routing outcomes to SQLite for reporting beyond
// the lifetime of the in-memory accounting totals.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/relay/pkg/models"
)

// Ledger records and queries routing outcomes.
type Ledger interface {
	// Record stores one outcome.
	Record(ctx context.Context, o models.RoutingOutcome) error
	// Recent returns the newest outcomes, newest first.
	Recent(ctx context.Context, limit int) ([]models.RoutingOutcome, error)
	// Summary aggregates outcomes per provider since a given time.
	Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error)
	// Totals aggregates all outcomes since a given time.
	Totals(ctx context.Context, since time.Time) (models.LedgerSummary, error)
	// Prune deletes outcomes older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS routing_outcomes (
	id TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	cache_hit INTEGER NOT NULL DEFAULT 0,
	matched_hash TEXT NOT NULL DEFAULT '',
	similarity REAL NOT NULL DEFAULT 0,
	provider_id TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	failed_providers TEXT NOT NULL DEFAULT '',
	cost_avoided REAL NOT NULL DEFAULT 0,
	cost_incurred REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outcomes_time ON routing_outcomes(created_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_provider_time ON routing_outcomes(provider_id, created_at);
`

// New creates a SQLiteLedger and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	// The cache store and the ledger may share one file; a single
	// connection per handle plus a busy timeout serializes their writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure ledger db: %w", err)
		}
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Record stores one outcome. Re-recording an id replaces it.
func (l *SQLiteLedger) Record(ctx context.Context, o models.RoutingOutcome) error {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO routing_outcomes
		 (id, query, tier, cache_hit, matched_hash, similarity, provider_id, attempts, success, rejected,
		  cancelled, failed_providers, cost_avoided, cost_incurred, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Query, o.Tier, o.CacheHit, o.MatchedHash, o.Similarity, o.ProviderID, o.Attempts,
		o.Success, o.Rejected, o.Cancelled, strings.Join(o.FailedProviders, ","), o.CostAvoided, o.CostIncurred, o.LatencyMs, o.Error, created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Recent returns the newest outcomes, newest first.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]models.RoutingOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, query, tier, cache_hit, matched_hash, similarity, provider_id, attempts, success, rejected,
		        cancelled, failed_providers, cost_avoided, cost_incurred, latency_ms, error, created_at
		 FROM routing_outcomes ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingOutcome
	for rows.Next() {
		var o models.RoutingOutcome
		var failed string
		if err := rows.Scan(&o.ID, &o.Query, &o.Tier, &o.CacheHit, &o.MatchedHash, &o.Similarity, &o.ProviderID,
			&o.Attempts, &o.Success, &o.Rejected, &o.Cancelled, &failed, &o.CostAvoided, &o.CostIncurred,
			&o.LatencyMs, &o.Error, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if failed != "" {
			o.FailedProviders = strings.Split(failed, ",")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(success), 0),
	COALESCE(SUM(cache_hit), 0),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(SUM(cost_avoided), 0),
	COALESCE(SUM(cost_incurred), 0)`

// Summary aggregates outcomes per provider since a given time. Rejected
// requests have no provider and cancelled ones are not the provider's
// doing; both are left out.
func (l *SQLiteLedger) Summary(ctx context.Context, since time.Time) ([]models.LedgerSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider_id, `+summaryColumns+`
		 FROM routing_outcomes WHERE provider_id != '' AND cancelled = 0 AND created_at >= ?
		 GROUP BY provider_id ORDER BY provider_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerSummary
	for rows.Next() {
		var s models.LedgerSummary
		if err := rows.Scan(&s.ProviderID, &s.Requests, &s.Successes, &s.CacheHits, &s.AvgLatencyMs, &s.CostAvoided, &s.CostIncurred); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Totals aggregates all outcomes since a given time.
func (l *SQLiteLedger) Totals(ctx context.Context, since time.Time) (models.LedgerSummary, error) {
	var s models.LedgerSummary
	err := l.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM routing_outcomes WHERE created_at >= ?`, since.UTC(),
	).Scan(&s.Requests, &s.Successes, &s.CacheHits, &s.AvgLatencyMs, &s.CostAvoided, &s.CostIncurred)
	if err != nil {
		return models.LedgerSummary{}, fmt.Errorf("totals: %w", err)
	}
	return s, nil
}

// Prune deletes outcomes older than before.
func (l *SQLiteLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM routing_outcomes WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
