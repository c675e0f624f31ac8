package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

// RecordOutcome folds the result of one dispatch attempt into the provider's
// metrics and drives its circuit breaker. Latency is averaged for every
// outcome, cost only for successes.
func (r *Registry) RecordOutcome(id string, success bool, latency time.Duration, cost float64) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	now := r.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	m := &p.metrics
	m.TotalRequests++
	m.AvgLatencyMs = ewma(m.AvgLatencyMs, float64(latency)/float64(time.Millisecond), m.TotalRequests == 1)
	if success {
		m.SuccessfulRequests++
		m.CostPerRequest = ewma(m.CostPerRequest, cost, m.SuccessfulRequests == 1)
	} else {
		m.FailedRequests++
		at := now.UTC()
		m.LastFailureAt = &at
	}

	if success {
		p.failures = 0
		if p.state == models.StateDegraded {
			p.coolDown = r.opts.CoolDown
			p.probing = false
			r.transitionLocked(p, models.StateHealthy)
		}
		// A late success while open does not close the circuit; only a
		// probe does.
		return nil
	}

	p.failures++
	switch p.state {
	case models.StateHealthy:
		if p.failures >= r.opts.FailureThreshold {
			r.openLocked(p, now)
		}
	case models.StateDegraded:
		p.coolDown = min(2*p.coolDown, r.opts.MaxCoolDown)
		r.openLocked(p, now)
	}
	return nil
}

// Abandon releases a probe slot claimed by SelectProvider without recording
// an outcome. It is used when the caller went away mid-dispatch.
func (r *Registry) Abandon(id string) {
	p, err := r.lookup(id)
	if err != nil {
		return
	}
	p.mu.Lock()
	if p.state == models.StateDegraded {
		p.probing = false
	}
	p.mu.Unlock()
}

func ewma(avg, sample float64, first bool) float64 {
	if first {
		return sample
	}
	return ewmaFactor*avg + (1-ewmaFactor)*sample
}

// openLocked trips the breaker for the current cool-down. p.mu must be held.
func (r *Registry) openLocked(p *provider, now time.Time) {
	p.probing = false
	p.openUntil = now.Add(p.coolDown)
	r.transitionLocked(p, models.StateCircuitOpen)
	r.logger.Warn("provider circuit opened",
		zap.String("provider", p.id),
		zap.Int("consecutive_failures", p.failures),
		zap.Duration("cool_down", p.coolDown))

	if r.opts.Prober == nil || r.stopped.Load() {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.coolDown, func() { r.probe(p) })
}

func (r *Registry) transitionLocked(p *provider, to models.ProviderState) {
	if p.state == to {
		return
	}
	r.logger.Info("provider state change",
		zap.String("provider", p.id),
		zap.Stringer("from", p.state),
		zap.Stringer("to", to))
	p.state = to
	metrics.ProviderState.WithLabelValues(p.id).Set(float64(to))
}

// expireLocked moves an open provider to Degraded once its cool-down has
// passed. With a Prober the probe starts right away, since the pending
// timer is stopped and selection may not pick the provider. p.mu must be
// held.
func (r *Registry) expireLocked(p *provider, now time.Time) {
	if p.state != models.StateCircuitOpen || now.Before(p.openUntil) {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	r.transitionLocked(p, models.StateDegraded)
	if r.opts.Prober != nil && !r.stopped.Load() {
		go r.probe(p)
	}
}

// probe runs when a provider's cool-down timer fires.
func (r *Registry) probe(p *provider) {
	if r.stopped.Load() {
		return
	}
	p.mu.Lock()
	if p.state == models.StateCircuitOpen {
		r.transitionLocked(p, models.StateDegraded)
	}
	if p.state != models.StateDegraded || p.probing {
		p.mu.Unlock()
		return
	}
	p.probing = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ProbeTimeout)
	defer cancel()
	start := time.Now()
	cost, err := r.opts.Prober.Probe(ctx, p.id)
	if err != nil {
		r.logger.Warn("provider probe failed", zap.String("provider", p.id), zap.Error(err))
	} else {
		r.logger.Info("provider probe succeeded", zap.String("provider", p.id))
	}
	_ = r.RecordOutcome(p.id, err == nil, time.Since(start), cost)
}
