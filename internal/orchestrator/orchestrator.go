package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/commonsmetrics/governance-collector/internal/blobstore"
	"github.com/commonsmetrics/governance-collector/internal/collector"
	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
	"github.com/commonsmetrics/governance-collector/internal/report"
	"github.com/commonsmetrics/governance-collector/internal/store"
)

// timeReserve is kept free at the end of a bounded run so checkpoints
// and uploads finish before the budget expires
const timeReserve = 60 * time.Second

// SourceFactory builds a collection source bound to one credential
type SourceFactory func(token, credentialID string) collector.Source

// Params wires an orchestrator's collaborators
type Params struct {
	Store     store.JobStore
	Blobs     blobstore.Store
	Gate      *ratelimit.Gate
	Continuer Continuer
	NewSource SourceFactory
	Collector collector.Options

	// TimeBudget bounds one run's wall clock; zero means unbounded
	TimeBudget time.Duration
	// CallsPerProject is the usage charged against a credential per
	// collected project
	CallsPerProject int

	Logger zerolog.Logger
}

// Orchestrator drives the claim/collect/persist cycle over the job
// queue, respecting the rate gate and the run's time budget.
type Orchestrator struct {
	store           store.JobStore
	blobs           blobstore.Store
	gate            *ratelimit.Gate
	continuer       Continuer
	reporter        report.Reporter
	newSource       SourceFactory
	opts            collector.Options
	timeBudget      time.Duration
	callsPerProject int
	logger          zerolog.Logger
}

// New creates an orchestrator from its collaborators
func New(p Params) *Orchestrator {
	continuer := p.Continuer
	if continuer == nil {
		continuer = NewLoopContinuer()
	}
	callsPerProject := p.CallsPerProject
	if callsPerProject <= 0 {
		callsPerProject = ratelimit.DefaultConfig().CallsPerProject
	}

	return &Orchestrator{
		store:           p.Store,
		blobs:           p.Blobs,
		gate:            p.Gate,
		continuer:       continuer,
		reporter:        report.NewReporter(p.Store, p.Gate),
		newSource:       p.NewSource,
		opts:            p.Collector,
		timeBudget:      p.TimeBudget,
		callsPerProject: callsPerProject,
		logger:          p.Logger,
	}
}

// Reporter exposes the orchestrator's report assembler
func (o *Orchestrator) Reporter() report.Reporter {
	return o.reporter
}

// RunOptions tunes a single collection run
type RunOptions struct {
	// Limit caps the number of projects attempted; zero means no cap
	Limit int
	// Wait makes the run block through rate limit resets instead of
	// stopping
	Wait bool
	// ContinueRepo resumes a specific handed-off repository first
	ContinueRepo string
}

// RunSummary describes what one collection run accomplished
type RunSummary struct {
	RunID      string  `json:"run_id"`
	Collected  int     `json:"collected"`
	Failed     int     `json:"failed"`
	Continued  int     `json:"continued"`
	StopReason string  `json:"stop_reason"`
	DurationS  float64 `json:"duration_seconds"`
}

// Run processes the queue until it empties, the limit is reached, the
// rate budget is exhausted or the time budget runs out. Per-project
// errors mark the job failed and do not abort the run.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	runID := uuid.New().String()
	start := time.Now()
	logger := o.logger.With().Str("run_id", runID).Logger()

	var deadline time.Time
	if o.timeBudget > 0 {
		deadline = start.Add(o.timeBudget)
	}
	hasTime := func() bool {
		return deadline.IsZero() || time.Until(deadline) > timeReserve
	}

	summary := &RunSummary{RunID: runID}
	var apiCalls int64
	continueRepo := opts.ContinueRepo

	defer func() {
		summary.DurationS = time.Since(start).Seconds()
		if err := o.store.RecordRun(context.WithoutCancel(ctx), apiCalls, time.Since(start)); err != nil {
			logger.Warn().Err(err).Msg("failed to record run statistics")
		}
		logger.Info().
			Int("collected", summary.Collected).
			Int("failed", summary.Failed).
			Int("continued", summary.Continued).
			Str("stop_reason", summary.StopReason).
			Msg("run finished")
	}()

	for {
		if err := ctx.Err(); err != nil {
			summary.StopReason = "cancelled"
			return summary, nil
		}
		if opts.Limit > 0 && summary.Collected+summary.Failed >= opts.Limit {
			summary.StopReason = "limit reached"
			return summary, nil
		}
		if !hasTime() {
			summary.StopReason = "time budget exhausted"
			return summary, nil
		}

		cred, proceed, stopReason, err := o.ensureBudget(ctx, opts.Wait, logger)
		if err != nil {
			return summary, err
		}
		if !proceed {
			summary.StopReason = stopReason
			return summary, nil
		}

		job, err := o.claim(ctx, &continueRepo, logger)
		if errors.Is(err, store.ErrEmpty) {
			summary.StopReason = "queue empty"
			return summary, nil
		}
		if err != nil {
			return summary, err
		}

		apiCalls += int64(o.callsPerProject)
		done, err := o.collectOne(ctx, job, cred, hasTime, logger)
		o.gate.ReportUsage(cred.ID, o.callsPerProject)

		switch {
		case apperrors.IsRateLimited(err):
			// The job keeps its last saved checkpoint and stays in
			// progress; a later run resumes it after the reset
			logger.Warn().Str("repo", job.Repo).Err(err).Msg("rate limit hit mid-collection, deferring")
			if !opts.Wait {
				summary.StopReason = "rate limit exhausted"
				return summary, nil
			}

		case err != nil:
			logger.Error().Str("repo", job.Repo).Err(err).Msg("collection failed")
			if failErr := o.store.Fail(ctx, job.Repo, err.Error()); failErr != nil {
				return summary, failErr
			}
			summary.Failed++

		case done:
			summary.Collected++

		default:
			summary.Continued++
			handoff, contErr := o.continuer.Continue(ctx, job.Repo)
			if contErr != nil {
				logger.Error().Str("repo", job.Repo).Err(contErr).Msg("failed to arrange continuation")
				summary.StopReason = "continuation failed"
				return summary, contErr
			}
			if handoff {
				summary.StopReason = "handed off"
				return summary, nil
			}
		}
	}
}

// ensureBudget checks the rate gate and picks a usable credential,
// waiting for a reset when allowed. The pool total clearing the
// threshold is not enough: collecting needs one credential that does,
// so a pool with only sub-threshold credentials counts as exhausted.
func (o *Orchestrator) ensureBudget(ctx context.Context, wait bool, logger zerolog.Logger) (ratelimit.Credential, bool, string, error) {
	if cred, ok := o.usableCredential(ctx); ok {
		return cred, true, "", nil
	}
	if !wait {
		return ratelimit.Credential{}, false, "rate limit exhausted", nil
	}

	err := o.gate.AwaitReset(ctx, true)
	switch {
	case errors.Is(err, ratelimit.ErrWaitCeiling):
		return ratelimit.Credential{}, false, "rate limit wait exceeds ceiling", nil
	case errors.Is(err, ratelimit.ErrWaitInterrupted):
		return ratelimit.Credential{}, false, "interrupted", nil
	case err != nil:
		return ratelimit.Credential{}, false, "", err
	}

	if cred, ok := o.usableCredential(ctx); ok {
		return cred, true, "", nil
	}
	logger.Warn().Msg("budget still exhausted after reset wait")
	return ratelimit.Credential{}, false, "rate limit exhausted", nil
}

// usableCredential refreshes the gate and returns the credential the
// next project should charge against
func (o *Orchestrator) usableCredential(ctx context.Context) (ratelimit.Credential, bool) {
	if !o.gate.CanProceed(ctx, true) {
		return ratelimit.Credential{}, false
	}
	return o.gate.Pool().Best()
}

// claim returns the next job. A pending continuation repo is claimed
// exactly once, then normal queue order applies.
func (o *Orchestrator) claim(ctx context.Context, continueRepo *string, logger zerolog.Logger) (*domain.ProjectJob, error) {
	if repo := *continueRepo; repo != "" {
		*continueRepo = ""

		job, err := o.store.Get(ctx, repo)
		if err == nil && job.Status == domain.StatusInProgress {
			logger.Info().Str("repo", repo).Msg("resuming handed-off repository")
			return job, nil
		}
		logger.Warn().Str("repo", repo).Msg("handed-off repository is not in progress, claiming from queue")
	}
	return o.store.ClaimNext(ctx)
}

// collectOne advances a single job, persisting either the final result
// or a checkpoint for resumption. done reports whether the project
// completed.
func (o *Orchestrator) collectOne(ctx context.Context, job *domain.ProjectJob, cred ratelimit.Credential, hasTime func() bool, logger zerolog.Logger) (bool, error) {
	logger.Info().Str("repo", job.Repo).Str("credential", cred.ID).Msg("collecting project")

	source := o.newSource(cred.Token, cred.ID)
	phased := collector.NewPhasedCollector(source, hasTime, o.opts, logger)

	data, ckpt, done, err := phased.Advance(ctx, job.Repo, job.Checkpoint, job.Partial)
	if err != nil {
		return false, err
	}

	if !done {
		if err := o.store.SaveCheckpoint(ctx, job.Repo, ckpt); err != nil {
			return false, err
		}
		if err := o.store.SavePartial(ctx, job.Repo, data); err != nil {
			return false, err
		}
		logger.Info().Str("repo", job.Repo).Str("phase", string(ckpt.Phase)).Int("offset", ckpt.Offset).Msg("checkpointed for continuation")
		return false, nil
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return false, err
	}
	if err := o.blobs.Put(ctx, blobstore.Key(job.Repo), payload); err != nil {
		return false, err
	}
	if err := o.store.Complete(ctx, job.Repo); err != nil {
		return false, err
	}

	logger.Info().Str("repo", job.Repo).Int("commits", len(data.Commits)).Msg("project collected")
	return true, nil
}
