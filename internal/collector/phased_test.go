package collector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/collector"
	"github.com/commonsmetrics/governance-collector/internal/domain"
)

// fakeSource serves canned data and counts calls per operation
type fakeSource struct {
	commits []domain.CommitRecord
	files   map[string]bool

	metadataErr error
	commitErr   error

	calls map[string]int
}

func newFakeSource(commitCount int) *fakeSource {
	commits := make([]domain.CommitRecord, commitCount)
	for i := range commits {
		commits[i] = domain.CommitRecord{
			SHA:  fmt.Sprintf("sha-%04d", i),
			Date: time.Now().AddDate(0, 0, -i),
		}
	}
	return &fakeSource{
		commits: commits,
		files:   map[string]bool{"CONTRIBUTING.md": true, "CODE_OF_CONDUCT.md": true},
		calls:   make(map[string]int),
	}
}

func (f *fakeSource) Metadata(ctx context.Context, owner, name string) (*domain.RepoMetadata, error) {
	f.calls["metadata"]++
	if f.metadataErr != nil {
		return nil, f.metadataErr
	}
	return &domain.RepoMetadata{Name: name, FullName: owner + "/" + name, Stars: 42}, nil
}

func (f *fakeSource) Contributors(ctx context.Context, owner, name string, max int) ([]domain.Contributor, error) {
	f.calls["contributors"]++
	return []domain.Contributor{{Login: "alice", Contributions: 10}, {Login: "bob", Contributions: 3}}, nil
}

func (f *fakeSource) FileExists(ctx context.Context, owner, name, path string) (bool, error) {
	f.calls["file:"+path]++
	return f.files[path], nil
}

func (f *fakeSource) CommitPage(ctx context.Context, owner, name string, since time.Time, page, perPage int) ([]domain.CommitRecord, int, error) {
	f.calls["commits"]++
	if f.commitErr != nil {
		return nil, 0, f.commitErr
	}

	start := (page - 1) * perPage
	if start >= len(f.commits) {
		return nil, 0, nil
	}
	end := start + perPage
	nextPage := page + 1
	if end >= len(f.commits) {
		end = len(f.commits)
		nextPage = 0
	}
	return f.commits[start:end], nextPage, nil
}

func (f *fakeSource) PullRequestStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.PullRequestStats, error) {
	f.calls["pulls"]++
	return &domain.PullRequestStats{Merged: 7, Open: 2}, nil
}

func (f *fakeSource) IssueStats(ctx context.Context, owner, name string, since time.Time, sample int) (*domain.IssueStats, error) {
	f.calls["issues"]++
	return &domain.IssueStats{Closed: 5, Open: 1, Labels: map[string]int{"bug": 3}}, nil
}

func testOptions() collector.Options {
	opts := collector.DefaultOptions()
	opts.CommitPerPage = 10
	return opts
}

func TestAdvanceFullRun(t *testing.T) {
	source := newFakeSource(25)
	c := collector.NewPhasedCollector(source, nil, testOptions(), zerolog.Nop())

	data, ckpt, done, err := c.Advance(context.Background(), "acme/widgets", nil, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, ckpt)

	require.NotNil(t, data.Repository)
	assert.Equal(t, "acme/widgets", data.Repository.FullName)
	assert.Len(t, data.Contributors, 2)
	assert.Len(t, data.Commits, 25)
	require.NotNil(t, data.PullRequests)
	assert.Equal(t, 7, data.PullRequests.Merged)
	require.NotNil(t, data.Issues)
	assert.Equal(t, 5, data.Issues.Closed)
	require.NotNil(t, data.Meta.CompletedAt)

	// Every governance path probed exactly once
	for _, path := range collector.GovernanceFiles {
		assert.Equal(t, 1, source.calls["file:"+path], path)
	}
	assert.True(t, data.GovernanceFiles["CONTRIBUTING.md"])
	assert.False(t, data.GovernanceFiles["GOVERNANCE.md"])
}

func TestAdvanceCommitBatching(t *testing.T) {
	source := newFakeSource(25)
	opts := testOptions()
	opts.CommitBatchSize = 10

	c := collector.NewPhasedCollector(source, nil, opts, zerolog.Nop())
	ctx := context.Background()

	var (
		data *domain.ProjectData
		ckpt *domain.Checkpoint
		done bool
		err  error
	)

	// First batch stops at the cap with a commits checkpoint
	data, ckpt, done, err = c.Advance(ctx, "acme/widgets", nil, nil)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, ckpt)
	assert.Equal(t, domain.PhaseCommits, ckpt.Phase)
	assert.Equal(t, 10, ckpt.Offset)
	assert.Len(t, data.Commits, 10)

	// Earlier phases already ran; resumption must not repeat them
	assert.Equal(t, 1, source.calls["metadata"])

	rounds := 0
	for !done {
		data, ckpt, done, err = c.Advance(ctx, "acme/widgets", ckpt, data)
		require.NoError(t, err)
		rounds++
		require.Less(t, rounds, 10, "collection must terminate")
	}

	assert.Len(t, data.Commits, 25)
	assert.Equal(t, 1, source.calls["metadata"], "metadata phase must not repeat")
	assert.Equal(t, 1, source.calls["pulls"])
	assert.Equal(t, 1, source.calls["issues"])

	// No duplicates across batches
	seen := make(map[string]bool)
	for _, commit := range data.Commits {
		assert.False(t, seen[commit.SHA], "duplicate commit %s", commit.SHA)
		seen[commit.SHA] = true
	}
}

func TestAdvanceSplitRunMatchesSingleRun(t *testing.T) {
	opts := testOptions()

	single, _, done, err := collector.NewPhasedCollector(newFakeSource(37), nil, opts, zerolog.Nop()).
		Advance(context.Background(), "acme/widgets", nil, nil)
	require.NoError(t, err)
	require.True(t, done)

	opts.CommitBatchSize = 8
	c := collector.NewPhasedCollector(newFakeSource(37), nil, opts, zerolog.Nop())

	var (
		split *domain.ProjectData
		ckpt  *domain.Checkpoint
	)
	done = false
	for !done {
		split, ckpt, done, err = c.Advance(context.Background(), "acme/widgets", ckpt, split)
		require.NoError(t, err)
	}

	require.Len(t, split.Commits, len(single.Commits))
	for i := range single.Commits {
		assert.Equal(t, single.Commits[i].SHA, split.Commits[i].SHA)
	}
	assert.Equal(t, single.Repository, split.Repository)
	assert.Equal(t, single.PullRequests, split.PullRequests)
}

func TestAdvanceTimeBudget(t *testing.T) {
	source := newFakeSource(5)

	// Budget runs out after the metadata phase
	remaining := 2
	hasTime := func() bool {
		remaining--
		return remaining > 0
	}

	c := collector.NewPhasedCollector(source, hasTime, testOptions(), zerolog.Nop())
	data, ckpt, done, err := c.Advance(context.Background(), "acme/widgets", nil, nil)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, ckpt)
	assert.Equal(t, domain.PhaseContributors, ckpt.Phase)
	assert.Zero(t, ckpt.Offset)
	require.NotNil(t, data.Repository)
	assert.Nil(t, data.Meta.CompletedAt)
}

func TestAdvancePhaseErrorAbortsWithoutCheckpoint(t *testing.T) {
	source := newFakeSource(5)
	source.metadataErr = assert.AnError

	c := collector.NewPhasedCollector(source, nil, testOptions(), zerolog.Nop())
	_, ckpt, done, err := c.Advance(context.Background(), "acme/widgets", nil, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, done)
	assert.Nil(t, ckpt)
}

func TestAdvanceRejectsBadInput(t *testing.T) {
	c := collector.NewPhasedCollector(newFakeSource(0), nil, testOptions(), zerolog.Nop())

	_, _, _, err := c.Advance(context.Background(), "not-a-repo", nil, nil)
	assert.Error(t, err)

	_, _, _, err = c.Advance(context.Background(), "acme/widgets",
		&domain.Checkpoint{Phase: "bogus"}, nil)
	assert.Error(t, err)
}

func TestAdvanceEmptyRepository(t *testing.T) {
	c := collector.NewPhasedCollector(newFakeSource(0), nil, testOptions(), zerolog.Nop())

	data, ckpt, done, err := c.Advance(context.Background(), "acme/empty", nil, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Nil(t, ckpt)
	assert.Empty(t, data.Commits)
	require.NotNil(t, data.Meta.CompletedAt)
}
