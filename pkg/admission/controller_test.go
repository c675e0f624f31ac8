package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/relay/pkg/config"
)

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

func testConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Tiers: []config.TierConfig{
			{Name: "free", Limit: 3, Window: time.Minute},
			{Name: "paid", Limit: 100, Window: time.Minute},
		},
	}
}

func TestAdmitsLimitThenRejects(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(testConfig()).WithClock(clock.Now)

	for i := 1; i <= 3; i++ {
		d, err := c.TryAdmit("free")
		require.NoError(t, err)
		require.True(t, d.Admitted, "request %d", i)
		require.Equal(t, 3-i, d.Remaining)
	}

	clock.Advance(20 * time.Second)
	d, err := c.TryAdmit("free")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, 40*time.Second, d.RetryAfter)
	require.Equal(t, 3, d.Limit)

	// Other tiers are unaffected.
	d, err = c.TryAdmit("paid")
	require.NoError(t, err)
	require.True(t, d.Admitted)

	// The window resets once it elapses.
	clock.Advance(40 * time.Second)
	d, err = c.TryAdmit("free")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, 2, d.Remaining)
}

func TestUnknownTier(t *testing.T) {
	c := New(testConfig())
	_, err := c.TryAdmit("enterprise")
	require.ErrorIs(t, err, ErrUnknownTier)

	cfg := testConfig()
	cfg.DefaultTier = "free"
	c = New(cfg)
	d, err := c.TryAdmit("enterprise")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, "free", d.Tier)
}

func TestZeroLimitRejectsEverything(t *testing.T) {
	c := New(config.AdmissionConfig{Tiers: []config.TierConfig{{Name: "blocked", Limit: 0, Window: time.Minute}}})
	d, err := c.TryAdmit("blocked")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	c := New(config.AdmissionConfig{Tiers: []config.TierConfig{{Name: "t", Limit: 50, Window: time.Hour}}})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := c.TryAdmit("t"); err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(50), admitted.Load())
}

func TestSetTiersKeepsLiveWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(testConfig()).WithClock(clock.Now)
	for range 3 {
		_, _ = c.TryAdmit("free")
	}

	cfg := testConfig()
	cfg.Tiers[0].Limit = 5
	cfg.Tiers = cfg.Tiers[:1]
	c.SetTiers(cfg)

	status := c.Status()
	require.Len(t, status, 1)
	require.Equal(t, 3, status[0].Used)
	require.Equal(t, 2, status[0].Remaining)

	d, _ := c.TryAdmit("free")
	require.True(t, d.Admitted)
	_, err := c.TryAdmit("paid")
	require.ErrorIs(t, err, ErrUnknownTier)
}

func TestStatus(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(testConfig()).WithClock(clock.Now)
	_, _ = c.TryAdmit("paid")

	status := c.Status()
	require.Len(t, status, 2)
	require.Equal(t, "free", status[0].Tier)
	require.Equal(t, 0, status[0].Used)
	require.Equal(t, "paid", status[1].Tier)
	require.Equal(t, 1, status[1].Used)
	require.Equal(t, 99, status[1].Remaining)
	require.Equal(t, int64(60000), status[1].WindowMs)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 0, c.Status()[1].Used)
}
