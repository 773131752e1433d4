package domain

// Phase represents one ordered stage of a project's collection.
// Cheap, high-value phases come first so a time-starved run still
// yields usable partial data.
type Phase string

const (
	PhaseMetadata        Phase = "metadata"
	PhaseContributors    Phase = "contributors"
	PhaseGovernanceFiles Phase = "governance_files"
	PhaseCommits         Phase = "commits"
	PhasePullRequests    Phase = "pull_requests"
	PhaseIssues          Phase = "issues"
	PhaseComplete        Phase = "complete"
)

// PhaseOrder is the fixed execution order for collection phases.
var PhaseOrder = []Phase{
	PhaseMetadata,
	PhaseContributors,
	PhaseGovernanceFiles,
	PhaseCommits,
	PhasePullRequests,
	PhaseIssues,
	PhaseComplete,
}

// Index returns the position of the phase in PhaseOrder, or -1 if unknown.
func (p Phase) Index() int {
	for i, phase := range PhaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// Valid reports whether the phase is one of the known phases.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Paginated reports whether the phase consumes a paginated source and
// therefore carries a meaningful checkpoint offset.
func (p Phase) Paginated() bool {
	return p == PhaseCommits
}
