package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Credential tracks the call budget of a single API token. Credential
// state is never persisted; it is re-queried from the limit-status
// endpoint on demand.
type Credential struct {
	ID          string
	Token       string
	Remaining   int
	Limit       int
	ResetAt     time.Time
	LastChecked time.Time
}

// Available reports whether the credential has enough remaining calls
func (c *Credential) Available(minRemaining int) bool {
	return c.Remaining >= minRemaining
}

// LimitFunc queries the remote limit-status endpoint for one token
type LimitFunc func(ctx context.Context) (remaining, limit int, resetAt time.Time, err error)

// GitHubLimitFunc returns a LimitFunc backed by the GitHub rate_limit
// endpoint for the given token
func GitHubLimitFunc(token string) LimitFunc {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))

	return func(ctx context.Context) (int, int, time.Time, error) {
		limits, _, err := client.RateLimits(ctx)
		if err != nil {
			return 0, 0, time.Time{}, err
		}
		core := limits.GetCore()
		if core == nil {
			return 0, 0, time.Time{}, fmt.Errorf("rate limit response missing core resource")
		}
		return core.Remaining, core.Limit, core.Reset.Time, nil
	}
}

// Pool manages a set of API credentials and selects the best usable one
type Pool struct {
	mu           sync.Mutex
	creds        []*Credential
	limitFns     map[string]LimitFunc
	minRemaining int
	waitBuffer   time.Duration
	maxWait      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// NewPool creates a credential pool from raw tokens, using the GitHub
// limit-status endpoint for refreshes
func NewPool(tokens []string, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no credentials supplied")
	}

	p := newPool(cfg, logger)
	for i, token := range tokens {
		id := fmt.Sprintf("token_%d", i)
		p.creds = append(p.creds, &Credential{
			ID:        id,
			Token:     token,
			Remaining: cfg.DefaultLimit,
			Limit:     cfg.DefaultLimit,
		})
		p.limitFns[id] = GitHubLimitFunc(token)
	}
	return p, nil
}

// NewPoolWithLimitFunc creates a pool whose refreshes go through the
// supplied function instead of the real limit-status endpoint
func NewPoolWithLimitFunc(ids []string, cfg Config, fn func(id string) LimitFunc, logger zerolog.Logger) (*Pool, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("no credentials supplied")
	}

	p := newPool(cfg, logger)
	for _, id := range ids {
		p.creds = append(p.creds, &Credential{
			ID:        id,
			Remaining: cfg.DefaultLimit,
			Limit:     cfg.DefaultLimit,
		})
		p.limitFns[id] = fn(id)
	}
	return p, nil
}

func newPool(cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		limitFns:     make(map[string]LimitFunc),
		minRemaining: cfg.MinRemaining,
		waitBuffer:   cfg.WaitBuffer,
		maxWait:      cfg.MaxWait,
		now:          time.Now,
		logger:       logger,
	}
}

// Refresh queries the limit-status endpoint for every credential. A
// failure on an individual credential zeroes its remaining count so one
// bad credential cannot block the pool.
func (p *Pool) Refresh(ctx context.Context) {
	p.mu.Lock()
	creds := make([]*Credential, len(p.creds))
	copy(creds, p.creds)
	p.mu.Unlock()

	for _, cred := range creds {
		remaining, limit, resetAt, err := p.limitFns[cred.ID](ctx)

		p.mu.Lock()
		if err != nil {
			p.logger.Warn().Str("credential", cred.ID).Err(err).Msg("rate limit check failed, marking credential exhausted")
			cred.Remaining = 0
		} else {
			cred.Remaining = remaining
			cred.Limit = limit
			if resetAt.After(cred.ResetAt) {
				cred.ResetAt = resetAt
			}
		}
		cred.LastChecked = p.now()
		p.mu.Unlock()
	}
}

// Best returns a copy of the credential with the highest remaining count
// among those at or above the minimum threshold
func (p *Pool) Best() (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Credential
	for _, cred := range p.creds {
		if !cred.Available(p.minRemaining) {
			continue
		}
		if best == nil || cred.Remaining > best.Remaining {
			best = cred
		}
	}
	if best == nil {
		return Credential{}, false
	}
	return *best, true
}

// AnyToken returns the first credential's token regardless of its
// remaining budget, for operations that must run even when exhausted
func (p *Pool) AnyToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds[0].Token
}

// TotalRemaining returns the sum of remaining calls across credentials
func (p *Pool) TotalRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, cred := range p.creds {
		total += cred.Remaining
	}
	return total
}

// WaitTime returns 0 if any credential is usable, otherwise the time
// until the soonest reset plus the safety buffer, clamped to the
// configured ceiling
func (p *Pool) WaitTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var soonest time.Duration = -1
	for _, cred := range p.creds {
		if cred.Available(p.minRemaining) {
			return 0
		}
		if cred.ResetAt.IsZero() {
			continue
		}
		until := cred.ResetAt.Sub(p.now())
		if until < 0 {
			until = 0
		}
		if soonest < 0 || until < soonest {
			soonest = until
		}
	}

	// No reset information at all: assume the worst
	if soonest < 0 {
		return p.maxWait
	}

	wait := soonest + p.waitBuffer
	if wait > p.maxWait {
		wait = p.maxWait
	}
	return wait
}

// ReportUsage decrements a credential's remaining count locally, without
// a round-trip to the limit-status endpoint
func (p *Pool) ReportUsage(credentialID string, callsMade int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cred := range p.creds {
		if cred.ID == credentialID {
			cred.Remaining -= callsMade
			if cred.Remaining < 0 {
				cred.Remaining = 0
			}
			return
		}
	}
}

// UpdateLimit overwrites a credential's budget from API response headers
func (p *Pool) UpdateLimit(credentialID string, remaining int, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cred := range p.creds {
		if cred.ID == credentialID {
			if remaining >= 0 {
				cred.Remaining = remaining
			}
			if resetAt.After(cred.ResetAt) {
				cred.ResetAt = resetAt
			}
			cred.LastChecked = p.now()
			return
		}
	}
}

// Size returns the number of credentials in the pool
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// CredentialStatus is the externally visible state of one credential
type CredentialStatus struct {
	ID          string    `json:"id"`
	Remaining   int       `json:"remaining"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	Available   bool      `json:"available"`
}

// Snapshot returns per-credential status for operator reporting
func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialStatus, 0, len(p.creds))
	for _, cred := range p.creds {
		out = append(out, CredentialStatus{
			ID:          cred.ID,
			Remaining:   cred.Remaining,
			Limit:       cred.Limit,
			ResetAt:     cred.ResetAt,
			LastChecked: cred.LastChecked,
			Available:   cred.Available(p.minRemaining),
		})
	}
	return out
}
