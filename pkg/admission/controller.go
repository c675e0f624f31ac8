// Package admission enforces per-tier request quotas with fixed-window
// counters.
package admission

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

// ErrUnknownTier is returned for tiers that are not configured when no
// default tier is set.
var ErrUnknownTier = errors.New("unknown tier")

// Decision is the result of an admission check.
type Decision struct {
	Tier       string
	Admitted   bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Controller counts requests per tier in fixed windows. A single mutex makes
// each increment-and-compare atomic.
type Controller struct {
	mu          sync.Mutex
	buckets     map[string]*models.TierBucket
	defaultTier string
	now         func() time.Time
}

// New creates a Controller from tier configuration.
func New(cfg config.AdmissionConfig) *Controller {
	c := &Controller{
		buckets: make(map[string]*models.TierBucket),
		now:     time.Now,
	}
	c.SetTiers(cfg)
	return c
}

// WithClock replaces the time source. For tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// SetTiers replaces tier limits at runtime. Tiers that survive the update
// keep their current window and count; removed tiers are dropped.
func (c *Controller) SetTiers(cfg config.AdmissionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*models.TierBucket, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		b, ok := c.buckets[t.Name]
		if !ok {
			b = &models.TierBucket{Tier: t.Name}
		}
		if b.Window != t.Window {
			b.WindowStart = time.Time{}
			b.Count = 0
		}
		b.Limit = t.Limit
		b.Window = t.Window
		next[t.Name] = b
	}
	c.buckets = next
	c.defaultTier = cfg.DefaultTier
}

func (c *Controller) bucketLocked(tier string) (*models.TierBucket, error) {
	if b, ok := c.buckets[tier]; ok {
		return b, nil
	}
	if b, ok := c.buckets[c.defaultTier]; ok && c.defaultTier != "" {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
}

// rollLocked starts a new window when the current one has elapsed.
func rollLocked(b *models.TierBucket, now time.Time) {
	if b.WindowStart.IsZero() || !now.Before(b.WindowStart.Add(b.Window)) {
		b.WindowStart = now
		b.Count = 0
	}
}

// TryAdmit counts one request against tier. The first limit requests of a
// window are admitted; later ones are rejected with the time until the
// window resets.
func (c *Controller) TryAdmit(tier string) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.bucketLocked(tier)
	if err != nil {
		return Decision{}, err
	}
	now := c.now()
	rollLocked(b, now)

	d := Decision{Tier: b.Tier, Limit: b.Limit}
	if b.Count >= b.Limit {
		d.RetryAfter = b.WindowStart.Add(b.Window).Sub(now)
		metrics.AdmissionRejected.WithLabelValues(b.Tier).Inc()
		return d, nil
	}
	b.Count++
	d.Admitted = true
	d.Remaining = b.Limit - b.Count
	return d, nil
}

// Status returns the usage of every tier, sorted by name.
func (c *Controller) Status() []models.TierStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]models.TierStatus, 0, len(c.buckets))
	for _, b := range c.buckets {
		used := b.Count
		if b.WindowStart.IsZero() || !now.Before(b.WindowStart.Add(b.Window)) {
			used = 0
		}
		out = append(out, models.TierStatus{
			Tier:        b.Tier,
			Limit:       b.Limit,
			WindowMs:    b.Window.Milliseconds(),
			WindowStart: b.WindowStart,
			Used:        used,
			Remaining:   max(b.Limit-used, 0),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}
