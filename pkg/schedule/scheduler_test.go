package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs  atomic.Int32
	block chan struct{}
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return nil
}

func TestAddJobRejectsBadSpec(t *testing.T) {
	s := NewCronScheduler(nil)
	require.Error(t, s.AddJob(&countingJob{}, "every tuesday"))
	require.NoError(t, s.AddJob(&countingJob{}, "@daily"))
	require.NoError(t, s.AddJob(&countingJob{}, "*/5 * * * *"))
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewCronScheduler(nil)
	job := &countingJob{}
	require.NoError(t, s.AddJob(job, "@every 1s"))
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestWrapSkipsOverlappingRuns(t *testing.T) {
	s := NewCronScheduler(nil)
	job := &countingJob{block: make(chan struct{})}
	run := s.wrap(job, "@every 1s")

	done := make(chan struct{})
	go func() {
		run()
		close(done)
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	run() // returns immediately while the first run holds the slot
	require.Equal(t, int32(1), job.runs.Load())

	close(job.block)
	<-done
	job.block = nil
	run()
	require.Equal(t, int32(2), job.runs.Load())
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep(context.Context) int {
	f.calls++
	return 2
}

func TestCacheSweepJob(t *testing.T) {
	sw := &fakeSweeper{}
	job := &CacheSweepJob{Cache: sw}
	require.Equal(t, "cache_sweep", job.Name())
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, sw.calls)
}

type fakePruner struct {
	before time.Time
	err    error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, f.err
}

func TestLedgerRetentionJob(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	job := &LedgerRetentionJob{Ledger: p, Retention: 30 * 24 * time.Hour, Now: func() time.Time { return now }}

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), p.before)

	p.err = errors.New("locked")
	require.Error(t, job.Run(context.Background()))

	disabled := &LedgerRetentionJob{Ledger: &fakePruner{}, Retention: 0}
	require.NoError(t, disabled.Run(context.Background()))
}
