package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/commonsmetrics/governance-collector/internal/domain"
)

// Options tunes the phased collection behavior
type Options struct {
	// SinceDays is the history window for commits, PRs and issues
	SinceDays int
	// CommitBatchSize caps commits consumed per Advance call
	CommitBatchSize int
	// CommitPerPage is the page size requested from the source
	CommitPerPage int
	// TimeCheckEvery is how many commits pass between time-budget checks
	TimeCheckEvery int
	// ContributorMax caps the contributor list
	ContributorMax int
	// SampleSize bounds the PR and issue samples
	SampleSize int
}

// DefaultOptions returns the standard collection options
func DefaultOptions() Options {
	return Options{
		SinceDays:       365,
		CommitBatchSize: 500,
		CommitPerPage:   100,
		TimeCheckEvery:  50,
		ContributorMax:  100,
		SampleSize:      100,
	}
}

// PhasedCollector drives one project through the ordered phase
// sequence, stopping cleanly when the time budget runs short.
//
// Offsets count items yielded by the paginated source, so resumption
// assumes the source returns the same ordering on re-query; if the
// upstream reorders between runs, a resume may skip or duplicate items.
type PhasedCollector struct {
	source  Source
	hasTime func() bool
	opts    Options
	logger  zerolog.Logger
}

// NewPhasedCollector creates a collector over the given source. hasTime
// is the caller-supplied time-budget predicate; a nil predicate means
// no time limit.
func NewPhasedCollector(source Source, hasTime func() bool, opts Options, logger zerolog.Logger) *PhasedCollector {
	if hasTime == nil {
		hasTime = func() bool { return true }
	}
	if opts.CommitPerPage <= 0 {
		opts.CommitPerPage = 100
	}
	if opts.TimeCheckEvery <= 0 {
		opts.TimeCheckEvery = 50
	}
	return &PhasedCollector{
		source:  source,
		hasTime: hasTime,
		opts:    opts,
		logger:  logger,
	}
}

// Advance runs the phase sequence for a repository from the checkpoint
// (or from the beginning when checkpoint is nil), accumulating into
// partial. It returns the accumulator, a checkpoint when incomplete,
// and whether collection finished. Any phase error aborts the whole
// call without a checkpoint for that attempt.
func (c *PhasedCollector) Advance(ctx context.Context, repo string, ckpt *domain.Checkpoint, partial *domain.ProjectData) (*domain.ProjectData, *domain.Checkpoint, bool, error) {
	owner, name, err := domain.SplitRepo(repo)
	if err != nil {
		return nil, nil, false, err
	}

	data := partial
	if data == nil {
		data = domain.NewProjectData(repo, c.opts.SinceDays)
	}

	phase := domain.PhaseMetadata
	offset := 0
	if ckpt != nil {
		if !ckpt.Phase.Valid() {
			return nil, nil, false, fmt.Errorf("checkpoint has unknown phase %q", ckpt.Phase)
		}
		phase = ckpt.Phase
		offset = ckpt.Offset
		c.logger.Info().Str("repo", repo).Str("phase", string(phase)).Int("offset", offset).Msg("resuming from checkpoint")
		if phase.Paginated() && offset > 0 {
			// Resumption relies on the source keeping a stable ordering
			// between the checkpointing call and now
			c.logger.Warn().Str("repo", repo).Msg("resuming paginated phase by offset; items may be skipped or duplicated if the source reordered")
		}
	}

	since := time.Now().UTC().AddDate(0, 0, -c.opts.SinceDays)

	for _, p := range domain.PhaseOrder[phase.Index():] {
		if !c.hasTime() {
			c.logger.Info().Str("repo", repo).Str("phase", string(p)).Msg("time budget low, checkpointing")
			return data, &domain.Checkpoint{Phase: p, Offset: offset}, false, nil
		}

		c.logger.Debug().Str("repo", repo).Str("phase", string(p)).Msg("running phase")

		switch p {
		case domain.PhaseMetadata:
			meta, err := c.source.Metadata(ctx, owner, name)
			if err != nil {
				return nil, nil, false, err
			}
			data.Repository = meta

		case domain.PhaseContributors:
			contributors, err := c.source.Contributors(ctx, owner, name, c.opts.ContributorMax)
			if err != nil {
				return nil, nil, false, err
			}
			data.Contributors = contributors

		case domain.PhaseGovernanceFiles:
			results := make(map[string]bool, len(GovernanceFiles))
			for _, path := range GovernanceFiles {
				exists, err := c.source.FileExists(ctx, owner, name, path)
				if err != nil {
					return nil, nil, false, err
				}
				results[path] = exists
			}
			data.GovernanceFiles = results

		case domain.PhaseCommits:
			newOffset, done, err := c.collectCommits(ctx, owner, name, since, offset, data)
			if err != nil {
				return nil, nil, false, err
			}
			if !done {
				c.logger.Info().Str("repo", repo).Int("collected", len(data.Commits)).Int("offset", newOffset).Msg("commit phase incomplete, checkpointing")
				return data, &domain.Checkpoint{Phase: domain.PhaseCommits, Offset: newOffset}, false, nil
			}

		case domain.PhasePullRequests:
			stats, err := c.source.PullRequestStats(ctx, owner, name, since, c.opts.SampleSize)
			if err != nil {
				return nil, nil, false, err
			}
			data.PullRequests = stats

		case domain.PhaseIssues:
			stats, err := c.source.IssueStats(ctx, owner, name, since, c.opts.SampleSize)
			if err != nil {
				return nil, nil, false, err
			}
			data.Issues = stats

		case domain.PhaseComplete:
			now := time.Now().UTC()
			data.Meta.CompletedAt = &now
			return data, nil, true, nil
		}

		offset = 0
	}

	return data, nil, true, nil
}

// collectCommits consumes the paginated commit source in bounded
// sub-batches. It returns the total items consumed for this phase
// (the next checkpoint offset) and whether the phase finished.
func (c *PhasedCollector) collectCommits(ctx context.Context, owner, name string, since time.Time, offset int, data *domain.ProjectData) (int, bool, error) {
	perPage := c.opts.CommitPerPage
	page := offset/perPage + 1
	skip := offset % perPage
	consumed := offset
	batch := 0

	for {
		commits, nextPage, err := c.source.CommitPage(ctx, owner, name, since, page, perPage)
		if err != nil {
			return 0, false, err
		}

		for i, commit := range commits {
			// Skip items already consumed before the checkpoint
			if i < skip {
				continue
			}

			data.Commits = append(data.Commits, commit)
			consumed++
			batch++

			if c.opts.CommitBatchSize > 0 && batch >= c.opts.CommitBatchSize {
				return consumed, false, nil
			}
			if batch%c.opts.TimeCheckEvery == 0 && !c.hasTime() {
				return consumed, false, nil
			}
		}
		skip = 0

		if nextPage == 0 {
			return consumed, true, nil
		}
		page = nextPage
	}
}
