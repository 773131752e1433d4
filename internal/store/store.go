package store

import (
	"context"
	"errors"
	"time"

	"github.com/commonsmetrics/governance-collector/internal/domain"
)

// ErrEmpty is returned by ClaimNext when no work remains
var ErrEmpty = errors.New("job queue empty")

// Statistics tracks aggregate collection activity
type Statistics struct {
	APICallsTotal        int64   `json:"api_calls_total"`
	LastRunDurationSec   float64 `json:"last_run_duration_sec"`
	CollectionsCompleted int64   `json:"collections_completed"`
}

// QueueCounts holds the number of jobs in each status
type QueueCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Failure describes one failed job for operator reporting
type Failure struct {
	Repo      string    `json:"repo"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a summary of the queue and its statistics
type Status struct {
	Category       string      `json:"category"`
	Total          int         `json:"total"`
	Counts         QueueCounts `json:"counts"`
	InProgressRepo string      `json:"in_progress_repo,omitempty"`
	ProgressPct    float64     `json:"progress_pct"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Statistics     Statistics  `json:"statistics"`
	Failures       []Failure   `json:"failures,omitempty"`
}

// JobStore is the durable queue and per-project state for collection.
// Every mutation must be atomic: observable in full or not at all even
// if the process dies mid-write. A repository identifier is a member of
// exactly one status set at any time.
type JobStore interface {
	// Initialize replaces the store contents with a fresh pending queue.
	// Fails with a state-conflict error when pending or in-progress work
	// exists.
	Initialize(ctx context.Context, repos []string, category string) error

	// AddProjects appends repositories to the pending queue, skipping
	// any already present in the store. Returns the number added.
	AddProjects(ctx context.Context, repos []string) (int, error)

	// ClaimNext returns the current in-progress job if one exists (so a
	// restarted worker resumes it), otherwise pops the head of pending
	// and marks it in-progress. Returns ErrEmpty when no work remains.
	ClaimNext(ctx context.Context) (*domain.ProjectJob, error)

	// Get returns the job for a repository, or a not-found error.
	Get(ctx context.Context, repo string) (*domain.ProjectJob, error)

	// Checkpoint and partial-result accessors operate on the in-progress
	// entry only.
	SaveCheckpoint(ctx context.Context, repo string, ckpt *domain.Checkpoint) error
	GetCheckpoint(ctx context.Context, repo string) (*domain.Checkpoint, error)
	SavePartial(ctx context.Context, repo string, partial *domain.ProjectData) error
	GetPartial(ctx context.Context, repo string) (*domain.ProjectData, error)

	// Complete clears checkpoint/partial and moves the job to completed.
	Complete(ctx context.Context, repo string) error

	// Fail clears checkpoint/partial, records the error, and moves the
	// job to failed.
	Fail(ctx context.Context, repo string, errorMessage string) error

	// RetryFailed moves every failed job back to pending with its error
	// cleared. Returns the number moved.
	RetryFailed(ctx context.Context) (int, error)

	// RecordRun accumulates API usage and records the run duration.
	RecordRun(ctx context.Context, apiCalls int64, duration time.Duration) error

	// Status reports queue counts, statistics and failures.
	Status(ctx context.Context) (*Status, error)

	// Clear removes all store contents.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
