package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/store"
)

// state is the on-disk document. The queue is partitioned by status;
// the single in_progress slot reflects the one-job-at-a-time worker
// contract of the file backend.
type state struct {
	Queue struct {
		Pending    []*domain.ProjectJob `json:"pending"`
		InProgress *domain.ProjectJob   `json:"in_progress"`
		Completed  []*domain.ProjectJob `json:"completed"`
		Failed     []*domain.ProjectJob `json:"failed"`
	} `json:"queue"`
	Metadata struct {
		CreatedAt     time.Time `json:"created_at"`
		UpdatedAt     time.Time `json:"updated_at"`
		Category      string    `json:"category"`
		TotalProjects int       `json:"total_projects"`
	} `json:"metadata"`
	Statistics store.Statistics `json:"statistics"`
}

// fileStore implements store.JobStore over a single JSON document with
// write-to-temporary-then-rename durability
type fileStore struct {
	mu    sync.Mutex
	path  string
	state *state
}

// NewFileStore creates a file-backed job store at the given path
func NewFileStore(path string) store.JobStore {
	return &fileStore{path: path}
}

func defaultState() *state {
	s := &state{}
	now := time.Now().UTC()
	s.Metadata.CreatedAt = now
	s.Metadata.UpdatedAt = now
	return s
}

// load reads the state file, returning a fresh default when it does not
// exist. Must be called with the mutex held.
func (s *fileStore) load() (*state, error) {
	if s.state != nil {
		return s.state, nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.state = defaultState()
		return s.state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	st := &state{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	s.state = st
	return s.state, nil
}

// save writes the state atomically: serialize to a temporary file in
// the same directory, then rename over the target. A crash mid-write
// leaves either the old or the new document, never a mix. On failure
// the cache is dropped so an in-place mutation cannot outlive a write
// that was reported as failed; the next load re-reads the disk.
func (s *fileStore) save(st *state) error {
	if err := s.write(st); err != nil {
		s.state = nil
		return err
	}
	s.state = st
	return nil
}

func (s *fileStore) write(st *state) error {
	st.Metadata.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (s *fileStore) totalProjects(st *state) int {
	total := len(st.Queue.Pending) + len(st.Queue.Completed) + len(st.Queue.Failed)
	if st.Queue.InProgress != nil {
		total++
	}
	return total
}

func (s *fileStore) Initialize(ctx context.Context, repos []string, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return err
	}
	if len(existing.Queue.Pending) > 0 || existing.Queue.InProgress != nil {
		return apperrors.NewStateConflictError(fmt.Sprintf(
			"existing state has %d pending and in_progress=%v; resume or clear first",
			len(existing.Queue.Pending), existing.Queue.InProgress != nil))
	}

	st := defaultState()
	now := time.Now().UTC()
	for _, repo := range repos {
		st.Queue.Pending = append(st.Queue.Pending, &domain.ProjectJob{
			Repo:      repo,
			Category:  category,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	st.Metadata.Category = category
	st.Metadata.TotalProjects = len(repos)

	return s.save(st)
}

func (s *fileStore) AddProjects(ctx context.Context, repos []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return 0, err
	}

	existing := make(map[string]bool)
	for _, job := range st.Queue.Pending {
		existing[job.Repo] = true
	}
	for _, job := range st.Queue.Completed {
		existing[job.Repo] = true
	}
	for _, job := range st.Queue.Failed {
		existing[job.Repo] = true
	}
	if st.Queue.InProgress != nil {
		existing[st.Queue.InProgress.Repo] = true
	}

	added := 0
	now := time.Now().UTC()
	for _, repo := range repos {
		if existing[repo] {
			continue
		}
		st.Queue.Pending = append(st.Queue.Pending, &domain.ProjectJob{
			Repo:      repo,
			Category:  st.Metadata.Category,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		existing[repo] = true
		added++
	}

	st.Metadata.TotalProjects = s.totalProjects(st)
	if err := s.save(st); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *fileStore) ClaimNext(ctx context.Context) (*domain.ProjectJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}

	// A crashed-and-restarted worker resumes its previous job before
	// any new pending entry is popped.
	if st.Queue.InProgress != nil {
		return cloneJob(st.Queue.InProgress), nil
	}

	if len(st.Queue.Pending) == 0 {
		return nil, store.ErrEmpty
	}

	job := st.Queue.Pending[0]
	st.Queue.Pending = st.Queue.Pending[1:]
	job.Status = domain.StatusInProgress
	job.UpdatedAt = time.Now().UTC()
	st.Queue.InProgress = job

	if err := s.save(st); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

func (s *fileStore) Get(ctx context.Context, repo string) (*domain.ProjectJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	if job := findJob(st, repo); job != nil {
		return cloneJob(job), nil
	}
	return nil, apperrors.NewNotFoundError("job " + repo)
}

// inProgress returns the in-progress entry for repo, or a conflict error
func (s *fileStore) inProgress(st *state, repo string) (*domain.ProjectJob, error) {
	if st.Queue.InProgress == nil || st.Queue.InProgress.Repo != repo {
		return nil, apperrors.NewStateConflictError(fmt.Sprintf("job %s is not in progress", repo))
	}
	return st.Queue.InProgress, nil
}

func (s *fileStore) SaveCheckpoint(ctx context.Context, repo string, ckpt *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return err
	}
	job.Checkpoint = ckpt
	job.UpdatedAt = time.Now().UTC()
	return s.save(st)
}

func (s *fileStore) GetCheckpoint(ctx context.Context, repo string) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return nil, err
	}
	return job.Checkpoint, nil
}

func (s *fileStore) SavePartial(ctx context.Context, repo string, partial *domain.ProjectData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return err
	}
	job.Partial = partial
	job.UpdatedAt = time.Now().UTC()
	return s.save(st)
}

func (s *fileStore) GetPartial(ctx context.Context, repo string) (*domain.ProjectData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return nil, err
	}
	return job.Partial, nil
}

func (s *fileStore) Complete(ctx context.Context, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return err
	}

	job.Status = domain.StatusCompleted
	job.Checkpoint = nil
	job.Partial = nil
	job.Error = ""
	job.UpdatedAt = time.Now().UTC()

	st.Queue.InProgress = nil
	st.Queue.Completed = append(st.Queue.Completed, job)
	st.Statistics.CollectionsCompleted++

	return s.save(st)
}

func (s *fileStore) Fail(ctx context.Context, repo string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	job, err := s.inProgress(st, repo)
	if err != nil {
		return err
	}

	job.Status = domain.StatusFailed
	job.Checkpoint = nil
	job.Partial = nil
	job.Error = errorMessage
	job.UpdatedAt = time.Now().UTC()

	st.Queue.InProgress = nil
	st.Queue.Failed = append(st.Queue.Failed, job)

	return s.save(st)
}

func (s *fileStore) RetryFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return 0, err
	}

	moved := len(st.Queue.Failed)
	now := time.Now().UTC()
	for _, job := range st.Queue.Failed {
		job.Status = domain.StatusPending
		job.Error = ""
		job.UpdatedAt = now
		st.Queue.Pending = append(st.Queue.Pending, job)
	}
	st.Queue.Failed = nil

	if moved == 0 {
		return 0, nil
	}
	if err := s.save(st); err != nil {
		return 0, err
	}
	return moved, nil
}

func (s *fileStore) RecordRun(ctx context.Context, apiCalls int64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	st.Statistics.APICallsTotal += apiCalls
	if duration > 0 {
		st.Statistics.LastRunDurationSec = duration.Seconds()
	}
	return s.save(st)
}

func (s *fileStore) Status(ctx context.Context) (*store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}

	out := &store.Status{
		Category: st.Metadata.Category,
		Total:    st.Metadata.TotalProjects,
		Counts: store.QueueCounts{
			Pending:   len(st.Queue.Pending),
			Completed: len(st.Queue.Completed),
			Failed:    len(st.Queue.Failed),
		},
		CreatedAt:  st.Metadata.CreatedAt,
		UpdatedAt:  st.Metadata.UpdatedAt,
		Statistics: st.Statistics,
	}
	if st.Queue.InProgress != nil {
		out.Counts.InProgress = 1
		out.InProgressRepo = st.Queue.InProgress.Repo
	}
	if out.Total > 0 {
		out.ProgressPct = float64(out.Counts.Completed) / float64(out.Total) * 100
	}
	for _, job := range st.Queue.Failed {
		out.Failures = append(out.Failures, store.Failure{
			Repo:      job.Repo,
			Error:     job.Error,
			Timestamp: job.UpdatedAt,
		})
	}
	return out, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	s.state = nil
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func findJob(st *state, repo string) *domain.ProjectJob {
	if st.Queue.InProgress != nil && st.Queue.InProgress.Repo == repo {
		return st.Queue.InProgress
	}
	for _, set := range [][]*domain.ProjectJob{st.Queue.Pending, st.Queue.Completed, st.Queue.Failed} {
		for _, job := range set {
			if job.Repo == repo {
				return job
			}
		}
	}
	return nil
}

func cloneJob(job *domain.ProjectJob) *domain.ProjectJob {
	out := *job
	if job.Checkpoint != nil {
		ckpt := *job.Checkpoint
		out.Checkpoint = &ckpt
	}
	return &out
}
