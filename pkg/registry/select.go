package registry

import (
	"github.com/pario-ai/relay/pkg/models"
)

type candidate struct {
	p       *provider
	success float64
	latency float64
	cost    float64
}

// SelectProvider picks the provider for the next dispatch attempt, skipping
// ids in excluded. The primary wins whenever it is usable; otherwise the
// best ranked usable provider is chosen. Selecting a Degraded provider
// claims its single probe slot, which RecordOutcome or Abandon releases.
func (r *Registry) SelectProvider(excluded map[string]bool) (string, error) {
	r.mu.RLock()
	order := append([]*provider(nil), r.order...)
	primary := r.primary
	r.mu.RUnlock()

	skip := make(map[string]bool, len(excluded))
	for id, ex := range excluded {
		skip[id] = ex
	}

	if primary != "" && !skip[primary] {
		for _, p := range order {
			if p.id == primary {
				if r.claim(p) {
					return p.id, nil
				}
				skip[p.id] = true
				break
			}
		}
	}

	// Re-rank when a candidate's probe slot is taken between ranking and
	// claiming.
	for {
		best := r.best(order, skip)
		if best == nil {
			return "", ErrNoneAvailable
		}
		if r.claim(best) {
			return best.id, nil
		}
		skip[best.id] = true
	}
}

// best returns the highest ranked usable provider not in skip. Rank is
// wSuccess*successRate - wLatency*latency/maxLatency - wCost*cost/maxCost
// over the candidate set.
func (r *Registry) best(order []*provider, skip map[string]bool) *provider {
	now := r.now()
	var cands []candidate
	var maxLat, maxCost float64
	for _, p := range order {
		if skip[p.id] {
			continue
		}
		p.mu.Lock()
		r.expireLocked(p, now)
		usable := p.state == models.StateHealthy || (p.state == models.StateDegraded && !p.probing)
		c := candidate{
			p:       p,
			success: p.metrics.SuccessRate(),
			latency: p.metrics.AvgLatencyMs,
			cost:    p.metrics.CostPerRequest,
		}
		p.mu.Unlock()
		if !usable {
			continue
		}
		cands = append(cands, c)
		maxLat = max(maxLat, c.latency)
		maxCost = max(maxCost, c.cost)
	}

	w := r.opts.Weights
	var (
		winner    *provider
		bestScore float64
	)
	for _, c := range cands {
		score := w.Success * c.success
		if maxLat > 0 {
			score -= w.Latency * c.latency / maxLat
		}
		if maxCost > 0 {
			score -= w.Cost * c.cost / maxCost
		}
		// Strictly greater keeps the earliest registered on ties.
		if winner == nil || score > bestScore {
			winner, bestScore = c.p, score
		}
	}
	return winner
}

// claim reports whether p can take a request now, claiming the probe slot
// of a Degraded provider.
func (r *Registry) claim(p *provider) bool {
	now := r.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	r.expireLocked(p, now)
	switch p.state {
	case models.StateHealthy:
		return true
	case models.StateDegraded:
		if p.probing {
			return false
		}
		p.probing = true
		return true
	default:
		return false
	}
}
