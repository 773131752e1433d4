package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a project in the queue
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Checkpoint marks exactly where a paused collection must resume.
// Offset is only meaningful for paginated phases.
type Checkpoint struct {
	Phase  Phase `json:"phase"`
	Offset int   `json:"offset"`
}

// ProjectJob represents one repository in the collection queue
type ProjectJob struct {
	Repo       string       `json:"repo"`
	Category   string       `json:"category"`
	Status     JobStatus    `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Checkpoint *Checkpoint  `json:"checkpoint,omitempty"`
	Partial    *ProjectData `json:"partial,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// SplitRepo splits a "owner/repo" identifier into its parts
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository identifier %q (want owner/repo)", repo)
	}
	return parts[0], parts[1], nil
}
