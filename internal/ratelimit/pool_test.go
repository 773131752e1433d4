package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
)

// fakeLimits is a mutable remote limit-status endpoint for tests
type fakeLimits struct {
	mu      sync.Mutex
	byID    map[string]limitState
	queried map[string]int
}

type limitState struct {
	remaining int
	limit     int
	resetAt   time.Time
	err       error
}

func newFakeLimits() *fakeLimits {
	return &fakeLimits{byID: make(map[string]limitState), queried: make(map[string]int)}
}

func (f *fakeLimits) set(id string, remaining int, resetAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id] = limitState{remaining: remaining, limit: 5000, resetAt: resetAt}
}

func (f *fakeLimits) setErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id] = limitState{err: err}
}

func (f *fakeLimits) fn(id string) ratelimit.LimitFunc {
	return func(context.Context) (int, int, time.Time, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.queried[id]++
		st := f.byID[id]
		if st.err != nil {
			return 0, 0, time.Time{}, st.err
		}
		return st.remaining, st.limit, st.resetAt, nil
	}
}

func testConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.MinRemaining = 500
	return cfg
}

func newTestPool(t *testing.T, limits *fakeLimits, ids ...string) *ratelimit.Pool {
	t.Helper()
	pool, err := ratelimit.NewPoolWithLimitFunc(ids, testConfig(), limits.fn, zerolog.Nop())
	require.NoError(t, err)
	return pool
}

func TestNewPoolRequiresCredentials(t *testing.T) {
	_, err := ratelimit.NewPool(nil, testConfig(), zerolog.Nop())
	assert.Error(t, err)
}

func TestRefreshAndBest(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 800, time.Now().Add(time.Hour))
	limits.set("b", 3000, time.Now().Add(time.Hour))

	pool := newTestPool(t, limits, "a", "b")
	pool.Refresh(context.Background())

	assert.Equal(t, 3800, pool.TotalRemaining())

	best, ok := pool.Best()
	require.True(t, ok)
	assert.Equal(t, "b", best.ID)
	assert.Equal(t, 3000, best.Remaining)
}

func TestBestSkipsBelowThreshold(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 100, time.Now().Add(time.Hour))
	limits.set("b", 600, time.Now().Add(time.Hour))

	pool := newTestPool(t, limits, "a", "b")
	pool.Refresh(context.Background())

	best, ok := pool.Best()
	require.True(t, ok)
	assert.Equal(t, "b", best.ID)

	limits.set("b", 100, time.Now().Add(time.Hour))
	pool.Refresh(context.Background())

	_, ok = pool.Best()
	assert.False(t, ok)
}

func TestRefreshErrorExhaustsCredential(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 4000, time.Now().Add(time.Hour))
	limits.setErr("b", assert.AnError)

	pool := newTestPool(t, limits, "a", "b")
	pool.Refresh(context.Background())

	// The bad credential contributes nothing but the good one still works
	assert.Equal(t, 4000, pool.TotalRemaining())
	best, ok := pool.Best()
	require.True(t, ok)
	assert.Equal(t, "a", best.ID)
}

func TestExhaustedThenRecovered(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 50, time.Now().Add(30*time.Minute))

	pool := newTestPool(t, limits, "a")
	pool.Refresh(context.Background())
	assert.Equal(t, 50, pool.TotalRemaining())

	// After the remote reset the next refresh restores the budget
	limits.set("a", 1000, time.Now().Add(time.Hour))
	pool.Refresh(context.Background())
	assert.Equal(t, 1000, pool.TotalRemaining())

	best, ok := pool.Best()
	require.True(t, ok)
	assert.Equal(t, 1000, best.Remaining)
}

func TestWaitTime(t *testing.T) {
	limits := newFakeLimits()

	t.Run("zero when a credential is usable", func(t *testing.T) {
		limits.set("a", 5000, time.Now().Add(time.Hour))
		pool := newTestPool(t, limits, "a")
		pool.Refresh(context.Background())
		assert.Equal(t, time.Duration(0), pool.WaitTime())
	})

	t.Run("soonest reset plus buffer", func(t *testing.T) {
		limits.set("a", 0, time.Now().Add(10*time.Minute))
		limits.set("b", 0, time.Now().Add(30*time.Minute))
		pool := newTestPool(t, limits, "a", "b")
		pool.Refresh(context.Background())

		wait := pool.WaitTime()
		// 10 minutes to the closest reset plus the 60 second buffer
		assert.InDelta(t, (11 * time.Minute).Seconds(), wait.Seconds(), 5)
	})

	t.Run("clamped to ceiling", func(t *testing.T) {
		limits.set("a", 0, time.Now().Add(3*time.Hour))
		pool := newTestPool(t, limits, "a")
		pool.Refresh(context.Background())
		assert.Equal(t, testConfig().MaxWait, pool.WaitTime())
	})

	t.Run("ceiling when no reset information", func(t *testing.T) {
		limits.set("a", 0, time.Time{})
		pool := newTestPool(t, limits, "a")
		pool.Refresh(context.Background())
		assert.Equal(t, testConfig().MaxWait, pool.WaitTime())
	})
}

func TestReportUsage(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 1000, time.Now().Add(time.Hour))

	pool := newTestPool(t, limits, "a")
	pool.Refresh(context.Background())

	pool.ReportUsage("a", 350)
	assert.Equal(t, 650, pool.TotalRemaining())

	// Never goes negative
	pool.ReportUsage("a", 10000)
	assert.Equal(t, 0, pool.TotalRemaining())
}

func TestUpdateLimit(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 1000, time.Now().Add(time.Hour))

	pool := newTestPool(t, limits, "a")
	pool.Refresh(context.Background())

	reset := time.Now().Add(2 * time.Hour)
	pool.UpdateLimit("a", 42, reset)

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 42, snap[0].Remaining)
	assert.WithinDuration(t, reset, snap[0].ResetAt, time.Second)

	// A stale reset never moves the clock backwards
	pool.UpdateLimit("a", 42, reset.Add(-time.Hour))
	snap = pool.Snapshot()
	assert.WithinDuration(t, reset, snap[0].ResetAt, time.Second)
}

func TestSnapshot(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 4000, time.Now().Add(time.Hour))
	limits.set("b", 10, time.Now().Add(time.Hour))

	pool := newTestPool(t, limits, "a", "b")
	pool.Refresh(context.Background())

	snap := pool.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].Available)
	assert.False(t, snap[1].Available)
	assert.Equal(t, 2, pool.Size())
}
