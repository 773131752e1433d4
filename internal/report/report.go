package report

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
	"github.com/commonsmetrics/governance-collector/internal/store"
)

// SystemReport is the combined operator view of the job queue and the
// credential budget
type SystemReport struct {
	ReportID    string            `json:"report_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Queue       *store.Status     `json:"queue"`
	RateLimit   *ratelimit.Status `json:"rate_limit,omitempty"`
}

// Reporter defines the interface for assembling operator reports
type Reporter interface {
	// Report assembles the current queue and rate limit status
	Report(ctx context.Context) (*SystemReport, error)

	// QueueStatus returns only the queue side of the report
	QueueStatus(ctx context.Context) (*store.Status, error)
}

// reporter implements the Reporter interface
type reporter struct {
	store store.JobStore
	gate  *ratelimit.Gate
}

// NewReporter creates a reporter over the job store. gate may be nil
// when no credentials are configured.
func NewReporter(jobStore store.JobStore, gate *ratelimit.Gate) Reporter {
	return &reporter{
		store: jobStore,
		gate:  gate,
	}
}

// Report assembles the current queue and rate limit status
func (r *reporter) Report(ctx context.Context) (*SystemReport, error) {
	queue, err := r.store.Status(ctx)
	if err != nil {
		return nil, err
	}

	rep := &SystemReport{
		ReportID:    uuid.New().String(),
		GeneratedAt: time.Now().UTC(),
		Queue:       queue,
	}

	if r.gate != nil {
		status := r.gate.Status()
		rep.RateLimit = &status
	}

	return rep, nil
}

// QueueStatus returns only the queue side of the report
func (r *reporter) QueueStatus(ctx context.Context) (*store.Status, error) {
	return r.store.Status(ctx)
}
