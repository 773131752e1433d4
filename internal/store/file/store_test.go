package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/store"
	"github.com/commonsmetrics/governance-collector/internal/store/file"
)

func newStore(t *testing.T) (store.JobStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return file.NewFileStore(path), path
}

func TestInitializeAndCollectLifecycle(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one", "b/two"}, "web-frameworks"))

	for _, want := range []string{"a/one", "b/two"} {
		job, err := s.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, job.Repo)
		assert.Equal(t, domain.StatusInProgress, job.Status)
		assert.Equal(t, "web-frameworks", job.Category)
		require.NoError(t, s.Complete(ctx, job.Repo))
	}

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Counts.Completed)
	assert.Equal(t, 0, status.Counts.Pending)
	assert.Equal(t, int64(2), status.Statistics.CollectionsCompleted)
	assert.InDelta(t, 100.0, status.ProgressPct, 0.01)

	_, err = s.ClaimNext(ctx)
	assert.ErrorIs(t, err, store.ErrEmpty)
}

func TestFailedSaveRollsBackCachedState(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))
	_, err := s.ClaimNext(ctx)
	require.NoError(t, err)

	// A directory squatting on the temporary path makes the write fail
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))
	require.Error(t, s.Complete(ctx, "a/one"))
	require.NoError(t, os.Remove(path+".tmp"))

	// The failed completion must not survive in memory: the disk still
	// has the job in progress and that is what subsequent calls see
	job, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a/one", job.Repo)
	assert.Equal(t, domain.StatusInProgress, job.Status)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Counts.Completed)

	require.NoError(t, s.Complete(ctx, "a/one"))
}

func TestClaimNextResumesInProgress(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one", "b/two"}, ""))
	first, err := s.ClaimNext(ctx)
	require.NoError(t, err)

	// A fresh store over the same file simulates a restarted worker
	restarted := file.NewFileStore(path)
	again, err := restarted.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Repo, again.Repo)
	assert.Equal(t, domain.StatusInProgress, again.Status)

	status, err := restarted.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Counts.InProgress)
	assert.Equal(t, 1, status.Counts.Pending)
}

func TestInitializeConflict(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))

	err := s.Initialize(ctx, []string{"c/three"}, "")
	assert.True(t, apperrors.IsStateConflict(err))

	// Completed or failed work does not block a re-init
	job, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, job.Repo))
	assert.NoError(t, s.Initialize(ctx, []string{"c/three"}, ""))
}

func TestFailAndRetry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))
	job, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, job.Repo, "boom"))

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Counts.Failed)
	require.Len(t, status.Failures, 1)
	assert.Equal(t, "a/one", status.Failures[0].Repo)
	assert.Equal(t, "boom", status.Failures[0].Error)

	moved, err := s.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	status, err = s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Counts.Failed)
	assert.Equal(t, 1, status.Counts.Pending)

	retried, err := s.Get(ctx, "a/one")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, retried.Status)
	assert.Empty(t, retried.Error)
}

func TestRetryFailedEmpty(t *testing.T) {
	s, _ := newStore(t)

	moved, err := s.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestCheckpointAndPartialRoundTrip(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))
	job, err := s.ClaimNext(ctx)
	require.NoError(t, err)

	ckpt := &domain.Checkpoint{Phase: domain.PhaseCommits, Offset: 500}
	require.NoError(t, s.SaveCheckpoint(ctx, job.Repo, ckpt))

	partial := domain.NewProjectData("a/one", 365)
	partial.Commits = []domain.CommitRecord{{SHA: "abc123"}}
	require.NoError(t, s.SavePartial(ctx, job.Repo, partial))

	// Round-trip through disk
	restarted := file.NewFileStore(path)
	gotCkpt, err := restarted.GetCheckpoint(ctx, "a/one")
	require.NoError(t, err)
	require.NotNil(t, gotCkpt)
	assert.Equal(t, domain.PhaseCommits, gotCkpt.Phase)
	assert.Equal(t, 500, gotCkpt.Offset)

	gotPartial, err := restarted.GetPartial(ctx, "a/one")
	require.NoError(t, err)
	require.NotNil(t, gotPartial)
	require.Len(t, gotPartial.Commits, 1)
	assert.Equal(t, "abc123", gotPartial.Commits[0].SHA)

	// Completion clears resumption state
	require.NoError(t, restarted.Complete(ctx, "a/one"))
	completed, err := restarted.Get(ctx, "a/one")
	require.NoError(t, err)
	assert.Nil(t, completed.Checkpoint)
	assert.Nil(t, completed.Partial)
}

func TestCheckpointRequiresInProgress(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))

	err := s.SaveCheckpoint(ctx, "a/one", &domain.Checkpoint{Phase: domain.PhaseMetadata})
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestAddProjectsSkipsExisting(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one", "b/two"}, "infra"))

	added, err := s.AddProjects(ctx, []string{"b/two", "c/three"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.Counts.Pending)

	job, err := s.Get(ctx, "c/three")
	require.NoError(t, err)
	assert.Equal(t, "infra", job.Category)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Get(context.Background(), "no/such")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecordRun(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, 350, 90*time.Second))
	require.NoError(t, s.RecordRun(ctx, 700, 30*time.Second))

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1050), status.Statistics.APICallsTotal)
	assert.InDelta(t, 30.0, status.Statistics.LastRunDurationSec, 0.01)
}

func TestClear(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx, []string{"a/one"}, ""))
	require.NoError(t, s.Clear(ctx))

	status, err := file.NewFileStore(path).Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Total)
}
