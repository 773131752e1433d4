package collector

import (
	"context"
	"time"

	"github.com/commonsmetrics/governance-collector/internal/domain"
)

// Source is the remote data collaborator boundary. The phased collector
// depends only on these shapes; the GitHub implementation lives in
// github.go.
type Source interface {
	// Metadata fetches the latest repository snapshot
	Metadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error)

	// Contributors returns up to max contributors
	Contributors(ctx context.Context, owner, name string, max int) ([]domain.Contributor, error)

	// FileExists probes for a file path without using errors for
	// control flow
	FileExists(ctx context.Context, owner, name, path string) (bool, error)

	// CommitPage returns one page of commits since the given time.
	// nextPage is 0 when no pages remain.
	CommitPage(ctx context.Context, owner, name string, since time.Time, page, perPage int) (commits []domain.CommitRecord, nextPage int, err error)

	// PullRequestStats summarizes recent pull request activity from a
	// bounded sample
	PullRequestStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.PullRequestStats, error)

	// IssueStats summarizes recent issue activity from a bounded sample
	IssueStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.IssueStats, error)
}

// GovernanceFiles are the paths probed during the governance_files phase
var GovernanceFiles = []string{
	"GOVERNANCE.md",
	"CONTRIBUTING.md",
	"CODE_OF_CONDUCT.md",
	"SECURITY.md",
	"MAINTAINERS.md",
	".github/CODEOWNERS",
}
