package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
)

func newTestGate(t *testing.T, cfg ratelimit.Config, limits *fakeLimits, ids ...string) *ratelimit.Gate {
	t.Helper()
	pool, err := ratelimit.NewPoolWithLimitFunc(ids, cfg, limits.fn, zerolog.Nop())
	require.NoError(t, err)
	return ratelimit.NewGate(pool, cfg, zerolog.Nop())
}

func TestCanProceed(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 50, time.Now().Add(time.Hour))

	gate := newTestGate(t, testConfig(), limits, "a")
	ctx := context.Background()

	assert.False(t, gate.CanProceed(ctx, true))

	limits.set("a", 1000, time.Now().Add(time.Hour))
	assert.True(t, gate.CanProceed(ctx, true))

	// Without refresh the cached budget is used
	limits.set("a", 0, time.Now().Add(time.Hour))
	assert.True(t, gate.CanProceed(ctx, false))
}

func TestEstimateCapacity(t *testing.T) {
	limits := newFakeLimits()
	gate := newTestGate(t, testConfig(), limits, "a")
	ctx := context.Background()

	// (4000 - 500) / 350 = 10
	limits.set("a", 4000, time.Now().Add(time.Hour))
	gate.CanProceed(ctx, true)
	assert.Equal(t, 10, gate.EstimateCapacity())

	limits.set("a", 400, time.Now().Add(time.Hour))
	gate.CanProceed(ctx, true)
	assert.Equal(t, 0, gate.EstimateCapacity())
}

func TestAwaitResetNoWaitNeeded(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 5000, time.Now().Add(time.Hour))

	gate := newTestGate(t, testConfig(), limits, "a")
	gate.Pool().Refresh(context.Background())

	assert.NoError(t, gate.AwaitReset(context.Background(), false))
}

func TestAwaitResetCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWait = 2 * time.Second

	limits := newFakeLimits()
	limits.set("a", 0, time.Now().Add(time.Hour))

	gate := newTestGate(t, cfg, limits, "a")
	gate.Pool().Refresh(context.Background())

	start := time.Now()
	err := gate.AwaitReset(context.Background(), false)
	assert.ErrorIs(t, err, ratelimit.ErrWaitCeiling)
	assert.Less(t, time.Since(start), time.Second, "ceiling must be reported without blocking")
}

func TestAwaitResetCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.WaitBuffer = 50 * time.Millisecond
	cfg.MaxWait = 10 * time.Second
	cfg.ProgressInterval = 10 * time.Millisecond

	limits := newFakeLimits()
	limits.set("a", 0, time.Now().Add(50*time.Millisecond))

	gate := newTestGate(t, cfg, limits, "a")
	gate.Pool().Refresh(context.Background())

	assert.NoError(t, gate.AwaitReset(context.Background(), false))
}

func TestAwaitResetInterrupt(t *testing.T) {
	cfg := testConfig()
	cfg.WaitBuffer = 5 * time.Second
	cfg.MaxWait = time.Minute
	cfg.ProgressInterval = 10 * time.Millisecond

	limits := newFakeLimits()
	limits.set("a", 0, time.Now().Add(10*time.Second))

	gate := newTestGate(t, cfg, limits, "a")
	gate.Pool().Refresh(context.Background())

	time.AfterFunc(30*time.Millisecond, gate.Interrupt)

	start := time.Now()
	err := gate.AwaitReset(context.Background(), false)
	assert.ErrorIs(t, err, ratelimit.ErrWaitInterrupted)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAwaitResetContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.WaitBuffer = 5 * time.Second
	cfg.MaxWait = time.Minute
	cfg.ProgressInterval = 10 * time.Millisecond

	limits := newFakeLimits()
	limits.set("a", 0, time.Now().Add(10*time.Second))

	gate := newTestGate(t, cfg, limits, "a")
	gate.Pool().Refresh(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := gate.AwaitReset(ctx, false)
	assert.ErrorIs(t, err, ratelimit.ErrWaitInterrupted)
}

func TestEnsureCanProceedWaitsThroughReset(t *testing.T) {
	cfg := testConfig()
	cfg.WaitBuffer = 20 * time.Millisecond
	cfg.MaxWait = 10 * time.Second
	cfg.ProgressInterval = 10 * time.Millisecond

	limits := newFakeLimits()
	limits.set("a", 0, time.Now().Add(30*time.Millisecond))

	gate := newTestGate(t, cfg, limits, "a")

	// The budget recovers while the gate waits for the reset
	time.AfterFunc(20*time.Millisecond, func() {
		limits.set("a", 5000, time.Now().Add(time.Hour))
	})

	ok, err := gate.EnsureCanProceed(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateStatus(t *testing.T) {
	limits := newFakeLimits()
	limits.set("a", 4000, time.Now().Add(time.Hour))

	gate := newTestGate(t, testConfig(), limits, "a")
	gate.Pool().Refresh(context.Background())

	status := gate.Status()
	assert.True(t, status.CanProceed)
	assert.Equal(t, 4000, status.TotalRemaining)
	assert.Equal(t, 10, status.ProjectsPossible)
	assert.Equal(t, 1, status.CredentialCount)
	require.Len(t, status.Credentials, 1)
	assert.Equal(t, "a", status.Credentials[0].ID)
}
