package collector

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v55/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxRetries         = 3
	messageLimit       = 200
)

// githubSource implements Source using the GitHub API. Transient
// failures are retried with exponential backoff; permanent failures
// surface immediately.
type githubSource struct {
	client       *github.Client
	credentialID string
	pool         *ratelimit.Pool
	callTimeout  time.Duration
	logger       zerolog.Logger
}

// NewGitHubSource creates a GitHub-backed source authenticated with the
// given credential. When pool is non-nil, rate limit headers from every
// response update the credential's budget.
func NewGitHubSource(token, credentialID string, pool *ratelimit.Pool, logger zerolog.Logger) Source {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))

	return &githubSource{
		client:       client,
		credentialID: credentialID,
		pool:         pool,
		callTimeout:  defaultCallTimeout,
		logger:       logger,
	}
}

func (s *githubSource) updateRate(resp *github.Response) {
	if s.pool != nil && resp != nil && resp.Rate.Remaining >= 0 {
		s.pool.UpdateLimit(s.credentialID, resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
}

// classify maps a GitHub API error to a permanent application error,
// or returns nil when the failure should be retried
func classify(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return apperrors.NewRateLimitedError("GitHub API rate limit exceeded")
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return apperrors.NewNotFoundError("repository resource")
		case http.StatusUnauthorized:
			return apperrors.NewUnauthorizedError("credential rejected by GitHub")
		case http.StatusForbidden:
			return apperrors.NewUnauthorizedError("access forbidden by GitHub")
		case http.StatusUnprocessableEntity:
			return apperrors.NewBadRequestError(respErr.Message)
		}
	}
	return nil
}

// withRetry runs fn with bounded exponential backoff. Permanent errors
// abort immediately.
func (s *githubSource) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if perm := classify(err); perm != nil {
			return backoff.Permanent(perm)
		}
		s.logger.Debug().Str("op", op).Err(err).Msg("transient GitHub error, retrying")
		return apperrors.NewTransientError(op+" failed", err)
	}, bo)
}

func (s *githubSource) Metadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error) {
	var meta *domain.RepoMetadata

	err := s.withRetry(ctx, "fetch repository metadata", func(ctx context.Context) error {
		repo, resp, err := s.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return err
		}
		s.updateRate(resp)

		meta = &domain.RepoMetadata{
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			Description:   repo.GetDescription(),
			CreatedAt:     repo.GetCreatedAt().Time,
			UpdatedAt:     repo.GetUpdatedAt().Time,
			Stars:         repo.GetStargazersCount(),
			Forks:         repo.GetForksCount(),
			OpenIssues:    repo.GetOpenIssuesCount(),
			Language:      repo.GetLanguage(),
			Topics:        repo.Topics,
			HasWiki:       repo.GetHasWiki(),
			HasDiscussion: repo.GetHasDiscussions(),
			Archived:      repo.GetArchived(),
			DefaultBranch: repo.GetDefaultBranch(),
		}
		if pushed := repo.GetPushedAt(); !pushed.IsZero() {
			t := pushed.Time
			meta.PushedAt = &t
		}
		if license := repo.GetLicense(); license != nil {
			meta.License = license.GetName()
		}
		return nil
	})
	return meta, err
}

func (s *githubSource) Contributors(ctx context.Context, owner, name string, max int) ([]domain.Contributor, error) {
	var contributors []domain.Contributor

	opts := &github.ListContributorsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		var page []*github.Contributor
		var nextPage int

		err := s.withRetry(ctx, "list contributors", func(ctx context.Context) error {
			list, resp, err := s.client.Repositories.ListContributors(ctx, owner, name, opts)
			if err != nil {
				// Empty repositories report no contributor history
				if resp != nil && resp.StatusCode == http.StatusNoContent {
					list, resp.NextPage = nil, 0
					s.updateRate(resp)
					return nil
				}
				return err
			}
			s.updateRate(resp)
			page, nextPage = list, resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, c := range page {
			contributors = append(contributors, domain.Contributor{
				Login:         c.GetLogin(),
				Contributions: c.GetContributions(),
				Type:          c.GetType(),
			})
			if max > 0 && len(contributors) >= max {
				return contributors, nil
			}
		}

		if nextPage == 0 {
			return contributors, nil
		}
		opts.Page = nextPage
	}
}

func (s *githubSource) FileExists(ctx context.Context, owner, name, path string) (bool, error) {
	exists := false

	err := s.withRetry(ctx, "probe file "+path, func(ctx context.Context) error {
		_, _, resp, err := s.client.Repositories.GetContents(ctx, owner, name, path, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				s.updateRate(resp)
				exists = false
				return nil
			}
			return err
		}
		s.updateRate(resp)
		exists = true
		return nil
	})
	if err != nil {
		// A missing file is an answer, not a failure
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

func (s *githubSource) CommitPage(ctx context.Context, owner, name string, since time.Time, page, perPage int) ([]domain.CommitRecord, int, error) {
	var records []domain.CommitRecord
	var nextPage int

	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}

	err := s.withRetry(ctx, "list commits", func(ctx context.Context) error {
		commits, resp, err := s.client.Repositories.ListCommits(ctx, owner, name, opts)
		if err != nil {
			// 409 means the repository has no commits
			if resp != nil && resp.StatusCode == http.StatusConflict {
				s.updateRate(resp)
				records, nextPage = nil, 0
				return nil
			}
			return err
		}
		s.updateRate(resp)

		records = make([]domain.CommitRecord, 0, len(commits))
		for _, commit := range commits {
			record := domain.CommitRecord{
				SHA:     commit.GetSHA(),
				Message: truncate(commit.GetCommit().GetMessage(), messageLimit),
			}
			if author := commit.GetCommit().GetAuthor(); author != nil {
				record.Author = author.GetName()
				record.Date = author.GetDate().Time
			}
			if author := commit.GetAuthor(); author != nil {
				record.AuthorLogin = author.GetLogin()
			}
			records = append(records, record)
		}
		nextPage = resp.NextPage
		return nil
	})
	return records, nextPage, err
}

func (s *githubSource) PullRequestStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.PullRequestStats, error) {
	stats := &domain.PullRequestStats{}
	var mergeTimes []float64

	opts := &github.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	sampled := 0
scan:
	for {
		var page []*github.PullRequest
		var nextPage int

		err := s.withRetry(ctx, "list pull requests", func(ctx context.Context) error {
			prs, resp, err := s.client.PullRequests.List(ctx, owner, name, opts)
			if err != nil {
				return err
			}
			s.updateRate(resp)
			page, nextPage = prs, resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, pr := range page {
			if sampled >= sample {
				break scan
			}
			if pr.GetUpdatedAt().Time.Before(since) {
				break scan
			}
			sampled++

			if pr.MergedAt != nil {
				stats.Merged++
				if pr.CreatedAt != nil {
					hours := pr.MergedAt.Time.Sub(pr.CreatedAt.Time).Hours()
					mergeTimes = append(mergeTimes, hours)
				}
			} else {
				stats.ClosedUnmerged++
			}
		}

		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}

	if len(mergeTimes) > 0 {
		total := 0.0
		for _, h := range mergeTimes {
			total += h
		}
		stats.AvgMergeTimeHours = total / float64(len(mergeTimes))
	}

	open, err := s.countOpenPulls(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	stats.Open = open

	return stats, nil
}

// countOpenPulls counts open pull requests by requesting one item per
// page and reading the last page number
func (s *githubSource) countOpenPulls(ctx context.Context, owner, name string) (int, error) {
	count := 0
	err := s.withRetry(ctx, "count open pull requests", func(ctx context.Context) error {
		prs, resp, err := s.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			return err
		}
		s.updateRate(resp)
		if resp.LastPage > 0 {
			count = resp.LastPage
		} else {
			count = len(prs)
		}
		return nil
	})
	return count, err
}

func (s *githubSource) IssueStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.IssueStats, error) {
	stats := &domain.IssueStats{Labels: make(map[string]int)}
	var closeTimes []float64

	opts := &github.IssueListByRepoOptions{
		State:       "closed",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	sampled := 0
scan:
	for {
		var page []*github.Issue
		var nextPage int

		err := s.withRetry(ctx, "list issues", func(ctx context.Context) error {
			issues, resp, err := s.client.Issues.ListByRepo(ctx, owner, name, opts)
			if err != nil {
				return err
			}
			s.updateRate(resp)
			page, nextPage = issues, resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, issue := range page {
			if sampled >= sample {
				break scan
			}
			// The issues endpoint also returns pull requests
			if issue.IsPullRequest() {
				continue
			}
			sampled++
			stats.Closed++

			if issue.ClosedAt != nil && issue.CreatedAt != nil {
				hours := issue.ClosedAt.Time.Sub(issue.CreatedAt.Time).Hours()
				closeTimes = append(closeTimes, hours)
			}
			for _, label := range issue.Labels {
				stats.Labels[label.GetName()]++
			}
		}

		if nextPage == 0 {
			break
		}
		opts.Page = nextPage
	}

	if len(closeTimes) > 0 {
		total := 0.0
		for _, h := range closeTimes {
			total += h
		}
		stats.AvgCloseTimeHours = total / float64(len(closeTimes))
	}

	open, err := s.countOpenIssues(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	stats.Open = open

	return stats, nil
}

func (s *githubSource) countOpenIssues(ctx context.Context, owner, name string) (int, error) {
	count := 0
	err := s.withRetry(ctx, "count open issues", func(ctx context.Context) error {
		issues, resp, err := s.client.Issues.ListByRepo(ctx, owner, name, &github.IssueListByRepoOptions{
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 1},
		})
		if err != nil {
			return err
		}
		s.updateRate(resp)
		if resp.LastPage > 0 {
			count = resp.LastPage
		} else {
			count = len(issues)
		}
		return nil
	})
	return count, err
}

// truncate trims s to at most limit bytes without splitting a rune
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
