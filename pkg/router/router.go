// Package router routes a query through admission, the similarity cache and
// the provider registry, failing over between providers within a retry
// budget.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/admission"
	"github.com/pario-ai/relay/pkg/cache/semantic"
	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/provider"
	"github.com/pario-ai/relay/pkg/registry"
)

var (
	// ErrRateLimitExceeded is matched by every *RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrAllProvidersExhausted is returned when no provider answered within
	// the retry budget.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// RateLimitError reports a request rejected by tier admission.
type RateLimitError struct {
	Tier       string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tier %q exceeded %d requests per window, retry after %s", e.Tier, e.Limit, e.RetryAfter)
}

// Is matches ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// Admitter decides whether a tier may send another request.
type Admitter interface {
	TryAdmit(tier string) (admission.Decision, error)
}

// Cache is the similarity cache as seen by the engine.
type Cache interface {
	Lookup(ctx context.Context, query string) (semantic.LookupResult, error)
	Store(ctx context.Context, req semantic.StoreRequest) (models.CacheEntry, error)
	RecordHit(hash string) bool
	AdaptResponse(e models.CacheEntry, similarity float64, newQuery string) models.AdaptedResponse
}

// Registry selects providers and tracks their health.
type Registry interface {
	SelectProvider(excluded map[string]bool) (string, error)
	RecordOutcome(id string, success bool, latency time.Duration, cost float64) error
	Abandon(id string)
}

// Reporter receives routing outcomes. Submit must not block.
type Reporter interface {
	Submit(o models.RoutingOutcome) bool
}

// Options configures an Engine.
type Options struct {
	MaxFailovers    int
	DispatchTimeout time.Duration
	EmbedTimeout    time.Duration
	Logger          *zap.Logger
}

// Engine routes queries. It keeps no state across calls and is safe for
// concurrent use.
type Engine struct {
	admitter   Admitter
	cache      Cache
	registry   Registry
	dispatcher provider.Dispatcher
	reporter   Reporter
	opts       Options
	logger     *zap.Logger
}

// New creates an Engine. admitter, cache and reporter may be nil to disable
// admission control, caching and accounting.
func New(admitter Admitter, cache Cache, reg Registry, dispatcher provider.Dispatcher, reporter Reporter, opts Options) *Engine {
	if opts.MaxFailovers < 0 {
		opts.MaxFailovers = 0
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		admitter:   admitter,
		cache:      cache,
		registry:   reg,
		dispatcher: dispatcher,
		reporter:   reporter,
		opts:       opts,
		logger:     logger,
	}
}

// Route answers query for a caller in tier, from the cache when a similar
// enough answer exists and from a provider otherwise.
func (e *Engine) Route(ctx context.Context, query, tier string) (*models.RouteResponse, error) {
	start := time.Now()
	out := models.RoutingOutcome{
		ID:        uuid.NewString(),
		Query:     query,
		Tier:      tier,
		CreatedAt: start.UTC(),
	}

	resp, result, err := e.route(ctx, &out)

	out.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		out.Error = err.Error()
	}
	metrics.RoutesTotal.WithLabelValues(result).Inc()
	metrics.RouteDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if e.reporter != nil {
		e.reporter.Submit(out)
	}
	if resp != nil {
		resp.ID = out.ID
		resp.LatencyMs = out.LatencyMs
	}
	return resp, err
}

func (e *Engine) route(ctx context.Context, out *models.RoutingOutcome) (*models.RouteResponse, string, error) {
	if e.admitter != nil {
		d, err := e.admitter.TryAdmit(out.Tier)
		if err != nil {
			return nil, "invalid_tier", err
		}
		if !d.Admitted {
			out.Rejected = true
			return nil, "rate_limited", &RateLimitError{Tier: d.Tier, Limit: d.Limit, RetryAfter: d.RetryAfter}
		}
	}

	var vec []float32
	if e.cache != nil {
		lctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
		res, err := e.cache.Lookup(lctx, out.Query)
		cancel()
		if err != nil {
			e.logger.Debug("cache lookup failed, dispatching", zap.Error(err))
		}
		if res.Hit {
			return e.serveHit(out, res), "cache_hit", nil
		}
		vec = res.Embedding
	}

	return e.dispatch(ctx, out, vec)
}

func (e *Engine) serveHit(out *models.RoutingOutcome, res semantic.LookupResult) *models.RouteResponse {
	e.cache.RecordHit(res.Entry.QueryHash)
	adapted := e.cache.AdaptResponse(res.Entry, res.Similarity, out.Query)

	out.CacheHit = true
	out.Success = true
	out.MatchedHash = res.Entry.QueryHash
	out.Similarity = res.Similarity
	out.ProviderID = res.Entry.ProviderID
	out.CostAvoided = max(res.Entry.CostUnits, 0)

	prov := adapted.Provenance
	return &models.RouteResponse{
		Payload:     adapted.Payload,
		Cached:      true,
		Provenance:  &prov,
		ProviderID:  res.Entry.ProviderID,
		CostAvoided: out.CostAvoided,
	}
}

func (e *Engine) dispatch(ctx context.Context, out *models.RoutingOutcome, vec []float32) (*models.RouteResponse, string, error) {
	excluded := make(map[string]bool)
	var lastErr error
	budget := 1 + e.opts.MaxFailovers

	for out.Attempts < budget {
		id, err := e.registry.SelectProvider(excluded)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		out.Attempts++
		out.ProviderID = id

		dctx, cancel := context.WithTimeout(ctx, e.opts.DispatchTimeout)
		t0 := time.Now()
		resp, err := e.dispatcher.Send(dctx, id, out.Query)
		latency := time.Since(t0)
		cancel()

		if ctx.Err() != nil {
			// The caller is gone; this attempt says nothing about the provider.
			e.registry.Abandon(id)
			out.Cancelled = true
			return nil, "cancelled", ctx.Err()
		}
		if err != nil {
			_ = e.registry.RecordOutcome(id, false, latency, 0)
			e.logger.Warn("provider dispatch failed",
				zap.String("provider", id),
				zap.Int("attempt", out.Attempts),
				zap.Duration("latency", latency),
				zap.Error(err))
			excluded[id] = true
			lastErr = err
			out.FailedProviders = append(out.FailedProviders, id)
			continue
		}

		_ = e.registry.RecordOutcome(id, true, latency, resp.Cost)
		out.Success = true
		out.CostIncurred = resp.Cost
		e.store(ctx, out.Query, vec, resp, id)

		return &models.RouteResponse{
			Payload:      json.RawMessage(resp.Payload),
			ProviderID:   id,
			Attempts:     out.Attempts,
			CostIncurred: resp.Cost,
		}, "dispatched", nil
	}

	return nil, "exhausted", fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersExhausted, out.Attempts, lastErr)
}

// store caches a fresh answer. Failures are logged; caching never fails a
// request.
func (e *Engine) store(ctx context.Context, query string, vec []float32, resp provider.Response, providerID string) {
	if e.cache == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()
	_, err := e.cache.Store(sctx, semantic.StoreRequest{
		Query:      query,
		Embedding:  vec,
		Response:   resp.Payload,
		ProviderID: providerID,
		Cost:       resp.Cost,
		Quality:    1,
	})
	if err != nil {
		e.logger.Warn("cache store failed", zap.String("provider", providerID), zap.Error(err))
	}
}

var _ Registry = (*registry.Registry)(nil)
var _ Admitter = (*admission.Controller)(nil)
var _ Cache = (*semantic.Cache)(nil)
