package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonsmetrics/governance-collector/internal/domain"
)

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		name      string
		repo      string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{name: "valid", repo: "psf/requests", wantOwner: "psf", wantName: "requests"},
		{name: "missing owner", repo: "/requests", wantErr: true},
		{name: "missing name", repo: "psf/", wantErr: true},
		{name: "no separator", repo: "requests", wantErr: true},
		{name: "too many parts", repo: "a/b/c", wantErr: true},
		{name: "empty", repo: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, name, err := domain.SplitRepo(tt.repo)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestPhaseOrder(t *testing.T) {
	// The sequence is fixed; resumption depends on the indices being stable
	require.Equal(t, []domain.Phase{
		domain.PhaseMetadata,
		domain.PhaseContributors,
		domain.PhaseGovernanceFiles,
		domain.PhaseCommits,
		domain.PhasePullRequests,
		domain.PhaseIssues,
		domain.PhaseComplete,
	}, domain.PhaseOrder)

	for i, p := range domain.PhaseOrder {
		assert.Equal(t, i, p.Index(), "index of %s", p)
		assert.True(t, p.Valid(), "%s should be valid", p)
	}

	assert.False(t, domain.Phase("nonsense").Valid())
	assert.Equal(t, -1, domain.Phase("nonsense").Index())
}

func TestPhasePaginated(t *testing.T) {
	for _, p := range domain.PhaseOrder {
		if p == domain.PhaseCommits {
			assert.True(t, p.Paginated())
		} else {
			assert.False(t, p.Paginated(), "%s should not be paginated", p)
		}
	}
}

func TestNewProjectData(t *testing.T) {
	data := domain.NewProjectData("psf/requests", 365)

	assert.Equal(t, "psf/requests", data.Meta.Repo)
	assert.Equal(t, 365, data.Meta.PeriodDays)
	assert.False(t, data.Meta.CollectedAt.IsZero())
	assert.Nil(t, data.Meta.CompletedAt)
	assert.Empty(t, data.Commits)
}
