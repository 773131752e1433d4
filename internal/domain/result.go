package domain

import "time"

// RepoMetadata is the latest-snapshot view of a repository
type RepoMetadata struct {
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	PushedAt      *time.Time `json:"pushed_at,omitempty"`
	Stars         int        `json:"stargazers_count"`
	Forks         int        `json:"forks_count"`
	OpenIssues    int        `json:"open_issues_count"`
	Language      string     `json:"language,omitempty"`
	Topics        []string   `json:"topics,omitempty"`
	License       string     `json:"license,omitempty"`
	HasWiki       bool       `json:"has_wiki"`
	HasDiscussion bool       `json:"has_discussions"`
	Archived      bool       `json:"archived"`
	DefaultBranch string     `json:"default_branch"`
}

// Contributor is one entry from a repository's contributor list
type Contributor struct {
	Login         string `json:"login"`
	Contributions int    `json:"contributions"`
	Type          string `json:"type"`
}

// CommitRecord is one collected commit
type CommitRecord struct {
	SHA         string    `json:"sha"`
	Author      string    `json:"author,omitempty"`
	AuthorLogin string    `json:"author_login,omitempty"`
	Date        time.Time `json:"date"`
	Message     string    `json:"message,omitempty"`
}

// PullRequestStats summarizes recent pull request activity
type PullRequestStats struct {
	Merged            int     `json:"total_merged"`
	ClosedUnmerged    int     `json:"total_closed_unmerged"`
	Open              int     `json:"total_open"`
	AvgMergeTimeHours float64 `json:"avg_merge_time_hours"`
}

// IssueStats summarizes recent issue activity
type IssueStats struct {
	Closed            int            `json:"total_closed"`
	Open              int            `json:"total_open"`
	AvgCloseTimeHours float64        `json:"avg_close_time_hours"`
	Labels            map[string]int `json:"labels,omitempty"`
}

// CollectionMeta records when and how a project's data was collected
type CollectionMeta struct {
	Repo        string     `json:"repo"`
	CollectedAt time.Time  `json:"collected_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PeriodDays  int        `json:"collection_period_days"`
}

// ProjectData accumulates sub-results across collection phases.
// Snapshot fields (Repository, GovernanceFiles, PullRequests, Issues)
// are replaced when their phase runs; Commits is append-only.
type ProjectData struct {
	Meta            CollectionMeta    `json:"metadata"`
	Repository      *RepoMetadata     `json:"repository,omitempty"`
	Contributors    []Contributor     `json:"contributors,omitempty"`
	GovernanceFiles map[string]bool   `json:"governance_files,omitempty"`
	Commits         []CommitRecord    `json:"recent_commits,omitempty"`
	PullRequests    *PullRequestStats `json:"pull_requests,omitempty"`
	Issues          *IssueStats       `json:"issues,omitempty"`
}

// NewProjectData creates a fresh accumulator for a repository
func NewProjectData(repo string, periodDays int) *ProjectData {
	return &ProjectData{
		Meta: CollectionMeta{
			Repo:        repo,
			CollectedAt: time.Now().UTC(),
			PeriodDays:  periodDays,
		},
	}
}
