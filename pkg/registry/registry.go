// Package registry tracks upstream providers: their circuit-breaker state,
// rolling request metrics and the configured primary. It selects the
// provider each dispatch attempt should use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

var (
	// ErrUnknownProvider is returned for provider ids that were never registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoneAvailable is returned when every provider is excluded, open, or
	// already probing.
	ErrNoneAvailable = errors.New("no provider available")
	// ErrDuplicateProvider is returned when an id is registered twice.
	ErrDuplicateProvider = errors.New("provider already registered")
)

// ewmaFactor weights the previous average against each new sample.
const ewmaFactor = 0.9

// Weights weight the composite provider rank.
type Weights struct {
	Success float64
	Latency float64
	Cost    float64
}

// DefaultWeights favour reliability over latency and cost.
var DefaultWeights = Weights{Success: 0.5, Latency: 0.25, Cost: 0.25}

// Prober sends an out-of-band request to a provider whose cool-down has
// elapsed and reports the cost it incurred.
type Prober interface {
	Probe(ctx context.Context, providerID string) (cost float64, err error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, providerID string) (float64, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context, providerID string) (float64, error) {
	return f(ctx, providerID)
}

// Options configures a Registry.
type Options struct {
	FailureThreshold int
	CoolDown         time.Duration
	MaxCoolDown      time.Duration
	ProbeTimeout     time.Duration
	Weights          Weights
	// Prober runs timed probes once a cool-down elapses. Without one,
	// open providers become Degraded lazily the next time they are
	// considered for selection.
	Prober Prober
	Logger *zap.Logger
	Now    func() time.Time
}

type provider struct {
	id    string
	order int

	mu        sync.Mutex
	state     models.ProviderState
	failures  int
	metrics   models.ProviderMetrics
	coolDown  time.Duration
	openUntil time.Time
	probing   bool
	timer     *time.Timer
}

// Registry is safe for concurrent use. The provider table and primary are
// guarded by an RWMutex; each provider's state has its own mutex.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	stopped atomic.Bool

	mu        sync.RWMutex
	providers map[string]*provider
	order     []*provider
	primary   string
}

// New creates an empty Registry. Zero options take the defaults: three
// failures to open, 30s cool-down doubling up to 5m.
func New(opts Options) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = 30 * time.Second
	}
	if opts.MaxCoolDown < opts.CoolDown {
		opts.MaxCoolDown = max(5*time.Minute, opts.CoolDown)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:      opts,
		logger:    opts.Logger,
		now:       opts.Now,
		providers: make(map[string]*provider),
	}
}

// Register adds a Healthy provider. Registration order breaks rank ties.
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}
	p := &provider{
		id:       id,
		order:    len(r.order),
		state:    models.StateHealthy,
		coolDown: r.opts.CoolDown,
		metrics:  models.ProviderMetrics{ProviderID: id},
	}
	r.providers[id] = p
	r.order = append(r.order, p)
	metrics.ProviderState.WithLabelValues(id).Set(float64(models.StateHealthy))
	return nil
}

func (r *Registry) lookup(id string) (*provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// SetPrimary makes id the preferred provider.
func (r *Registry) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if r.primary != id {
		r.logger.Info("primary provider changed", zap.String("from", r.primary), zap.String("to", id))
	}
	r.primary = id
	return nil
}

// Primary returns the primary provider id, or "" when none is set.
func (r *Registry) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Stop cancels pending probe timers. Probes already running finish.
func (r *Registry) Stop() {
	r.stopped.Store(true)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.order {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
	}
}

// Health returns the health of every provider in registration order.
func (r *Registry) Health() []models.ProviderHealth {
	records := r.records()
	out := make([]models.ProviderHealth, len(records))
	for i, rec := range records {
		out[i] = rec.ProviderHealth
	}
	return out
}

// Metrics returns the metrics of every provider in registration order.
func (r *Registry) Metrics() []models.ProviderMetrics {
	records := r.records()
	out := make([]models.ProviderMetrics, len(records))
	for i, rec := range records {
		out[i] = rec.Metrics
	}
	return out
}

// Record returns a snapshot of one provider.
func (r *Registry) Record(id string) (models.ProviderRecord, error) {
	p, err := r.lookup(id)
	if err != nil {
		return models.ProviderRecord{}, err
	}
	return r.record(p, r.Primary() == id), nil
}

func (r *Registry) records() []models.ProviderRecord {
	r.mu.RLock()
	order := append([]*provider(nil), r.order...)
	primary := r.primary
	r.mu.RUnlock()

	out := make([]models.ProviderRecord, len(order))
	for i, p := range order {
		out[i] = r.record(p, p.id == primary)
	}
	return out
}

// record snapshots p, reporting the state it has after any elapsed
// cool-down.
func (r *Registry) record(p *provider, isPrimary bool) models.ProviderRecord {
	now := r.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	r.expireLocked(p, now)
	rec := models.ProviderRecord{
		ProviderHealth: models.ProviderHealth{
			ProviderID:          p.id,
			State:               p.state,
			ConsecutiveFailures: p.failures,
			IsPrimary:           isPrimary,
		},
		Metrics: p.metrics,
	}
	if p.state == models.StateCircuitOpen {
		until := p.openUntil
		rec.OpenUntil = &until
	}
	if p.metrics.LastFailureAt != nil {
		at := *p.metrics.LastFailureAt
		rec.Metrics.LastFailureAt = &at
	}
	return rec
}
