// Package accounting tallies routing outcomes: cache savings, provider
// spend and per-provider request counts. Data flows one way, from the
// routing engine into the reporter.
package accounting

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

// DefaultBufferSize is the outcome queue length used when none is given.
const DefaultBufferSize = 1024

// Sink persists outcomes, e.g. to the ledger.
type Sink interface {
	Record(ctx context.Context, o models.RoutingOutcome) error
}

// Options configures a Reporter.
type Options struct {
	BufferSize int
	Sink       Sink
	Logger     *zap.Logger
}

// tally averages latency over successful requests only; an outcome's
// latency covers every attempt, so it is not attributable to a failed one.
type tally struct {
	models.ProviderTally
	latencySum float64
}

// Reporter consumes outcomes on a background goroutine. Submit never blocks:
// when the queue is full the outcome is dropped and counted.
type Reporter struct {
	events  chan models.RoutingOutcome
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	sink    Sink
	logger  *zap.Logger
	dropped atomic.Int64

	mu        sync.RWMutex
	totals    models.AccountingSnapshot
	providers map[string]*tally
}

// New creates a Reporter and starts its consumer.
func New(opts Options) *Reporter {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Reporter{
		events:    make(chan models.RoutingOutcome, opts.BufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		sink:      opts.Sink,
		logger:    opts.Logger,
		providers: make(map[string]*tally),
	}
	go r.run()
	return r
}

// Submit queues an outcome and reports whether it was accepted.
func (r *Reporter) Submit(o models.RoutingOutcome) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.events <- o:
		return true
	default:
		n := r.dropped.Add(1)
		metrics.OutcomesDropped.Inc()
		if n == 1 || n%1000 == 0 {
			r.logger.Warn("accounting buffer full, outcome dropped", zap.Int64("dropped", n))
		}
		return false
	}
}

// Stop drains queued outcomes and stops the consumer. It is safe to call
// more than once.
func (r *Reporter) Stop() {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}

func (r *Reporter) run() {
	defer close(r.stopped)
	for {
		select {
		case o := <-r.events:
			r.apply(o)
		case <-r.done:
			for {
				select {
				case o := <-r.events:
					r.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (r *Reporter) apply(o models.RoutingOutcome) {
	avoided := max(o.CostAvoided, 0)
	incurred := max(o.CostIncurred, 0)

	r.mu.Lock()
	t := &r.totals
	t.TotalRequests++
	switch {
	case o.Rejected:
		t.Rejected++
	case o.CacheHit:
		t.CacheHits++
		t.CostAvoided += avoided
	default:
		t.CacheMisses++
		switch {
		case o.Cancelled:
			t.Cancelled++
		case !o.Success:
			t.Failures++
		}
		t.CostIncurred += incurred
		for _, id := range o.FailedProviders {
			p := r.tallyLocked(id)
			p.Requests++
			p.Failures++
		}
		if o.Success && o.ProviderID != "" {
			p := r.tallyLocked(o.ProviderID)
			p.Requests++
			p.Successes++
			p.latencySum += float64(o.LatencyMs)
			p.AvgLatencyMs = p.latencySum / float64(p.Successes)
			p.CostIncurred += incurred
		}
	}
	r.mu.Unlock()

	if o.CacheHit && avoided > 0 {
		metrics.CostAvoided.Add(avoided)
	}
	if !o.CacheHit && incurred > 0 && o.ProviderID != "" {
		metrics.CostIncurred.WithLabelValues(o.ProviderID).Add(incurred)
	}

	if r.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Record(ctx, o); err != nil {
			r.logger.Warn("ledger write failed", zap.String("outcome", o.ID), zap.Error(err))
		}
		cancel()
	}
}

// tallyLocked returns the tally for id, creating it. r.mu must be held.
func (r *Reporter) tallyLocked(id string) *tally {
	p, ok := r.providers[id]
	if !ok {
		p = &tally{ProviderTally: models.ProviderTally{ProviderID: id}}
		r.providers[id] = p
	}
	return p
}

// Snapshot returns the current totals. Providers are sorted by id.
func (r *Reporter) Snapshot() models.AccountingSnapshot {
	r.mu.RLock()
	snap := r.totals
	snap.Providers = make([]models.ProviderTally, 0, len(r.providers))
	for _, p := range r.providers {
		snap.Providers = append(snap.Providers, p.ProviderTally)
	}
	r.mu.RUnlock()

	snap.Dropped = r.dropped.Load()
	sort.Slice(snap.Providers, func(i, j int) bool {
		return snap.Providers[i].ProviderID < snap.Providers[j].ProviderID
	})
	return snap
}
