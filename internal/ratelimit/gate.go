package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds rate limiting behavior
type Config struct {
	// MinRemaining is the call budget below which collection stops
	MinRemaining int
	// CallsPerProject is the estimated API calls one project costs,
	// used only for operator-facing forecasting
	CallsPerProject int
	// WaitBuffer is added after a reported reset time
	WaitBuffer time.Duration
	// MaxWait caps any single wait so a misreported reset cannot stall
	// the worker indefinitely
	MaxWait time.Duration
	// ProgressInterval is the delay between progress ticks during a wait
	ProgressInterval time.Duration
	// DefaultLimit seeds credentials before their first refresh
	DefaultLimit int
}

// DefaultConfig returns the standard rate limit configuration
func DefaultConfig() Config {
	return Config{
		MinRemaining:     500,
		CallsPerProject:  350,
		WaitBuffer:       60 * time.Second,
		MaxWait:          3700 * time.Second,
		ProgressInterval: 30 * time.Second,
		DefaultLimit:     5000,
	}
}

// ErrWaitInterrupted is returned when a blocking wait is cancelled
// before the rate limit reset
var ErrWaitInterrupted = errors.New("rate limit wait interrupted")

// ErrWaitCeiling is returned when the required wait exceeds the
// configured ceiling; callers should checkpoint and exit rather than
// block
var ErrWaitCeiling = errors.New("rate limit wait exceeds ceiling")

// Gate translates credential pool state into a go/wait/stop decision
type Gate struct {
	pool        *Pool
	cfg         Config
	interrupted atomic.Bool
	logger      zerolog.Logger
}

// NewGate creates a rate gate over a credential pool
func NewGate(pool *Pool, cfg Config, logger zerolog.Logger) *Gate {
	return &Gate{pool: pool, cfg: cfg, logger: logger}
}

// Pool exposes the underlying credential pool
func (g *Gate) Pool() *Pool {
	return g.pool
}

// CanProceed reports whether enough call budget remains to collect a
// project, optionally refreshing the pool first
func (g *Gate) CanProceed(ctx context.Context, refresh bool) bool {
	if refresh {
		g.pool.Refresh(ctx)
	}
	return g.pool.TotalRemaining() >= g.cfg.MinRemaining
}

// EstimateCapacity estimates how many additional projects can be
// completed with the current budget. Forecasting only, never used for
// correctness.
func (g *Gate) EstimateCapacity() int {
	usable := g.pool.TotalRemaining() - g.cfg.MinRemaining
	if usable <= 0 {
		return 0
	}
	return usable / g.cfg.CallsPerProject
}

// WaitTime returns the pool's current wait estimate
func (g *Gate) WaitTime() time.Duration {
	return g.pool.WaitTime()
}

// AwaitReset blocks until the rate limit resets. The wait is
// cooperatively cancellable: context cancellation or Interrupt() causes
// ErrWaitInterrupted at the next progress tick. A wait that would reach
// the configured ceiling returns ErrWaitCeiling without blocking.
func (g *Gate) AwaitReset(ctx context.Context, interactive bool) error {
	g.interrupted.Store(false)

	wait := g.pool.WaitTime()
	if wait <= 0 {
		return nil
	}
	if wait >= g.cfg.MaxWait {
		g.logger.Warn().Dur("wait", wait).Dur("ceiling", g.cfg.MaxWait).Msg("wait exceeds ceiling, reporting stop")
		return ErrWaitCeiling
	}

	g.logger.Info().Dur("wait", wait).Msg("rate limit exhausted, waiting for reset")

	interval := g.cfg.ProgressInterval
	if interval <= 0 || interval > wait {
		interval = wait
	}

	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrWaitInterrupted
		case <-timer.C:
			g.logger.Info().Msg("rate limit reset, resuming")
			return nil
		case <-ticker.C:
			if g.interrupted.Load() {
				return ErrWaitInterrupted
			}
			if interactive {
				elapsed := time.Since(start)
				g.logger.Info().
					Dur("elapsed", elapsed.Round(time.Second)).
					Dur("remaining", (wait - elapsed).Round(time.Second)).
					Msg("waiting for rate limit reset")
			}
		}
	}
}

// Interrupt signals a waiting AwaitReset to stop at its next tick
func (g *Gate) Interrupt() {
	g.interrupted.Store(true)
}

// EnsureCanProceed checks the budget and, if exhausted, waits for reset
// before re-checking
func (g *Gate) EnsureCanProceed(ctx context.Context, interactive bool) (bool, error) {
	if g.CanProceed(ctx, true) {
		return true, nil
	}
	if err := g.AwaitReset(ctx, interactive); err != nil {
		return false, err
	}
	return g.CanProceed(ctx, true), nil
}

// ReportUsage records estimated API usage against a credential
func (g *Gate) ReportUsage(credentialID string, callsMade int) {
	g.pool.ReportUsage(credentialID, callsMade)
}

// Status is the operator-facing view of the gate and its pool
type Status struct {
	CanProceed       bool               `json:"can_proceed"`
	TotalRemaining   int                `json:"total_remaining"`
	ProjectsPossible int                `json:"projects_possible"`
	WaitSeconds      float64            `json:"wait_seconds"`
	CredentialCount  int                `json:"credential_count"`
	Credentials      []CredentialStatus `json:"credentials"`
}

// Status reports the current gate state without refreshing the pool
func (g *Gate) Status() Status {
	return Status{
		CanProceed:       g.pool.TotalRemaining() >= g.cfg.MinRemaining,
		TotalRemaining:   g.pool.TotalRemaining(),
		ProjectsPossible: g.EstimateCapacity(),
		WaitSeconds:      g.pool.WaitTime().Seconds(),
		CredentialCount:  g.pool.Size(),
		Credentials:      g.pool.Snapshot(),
	}
}
