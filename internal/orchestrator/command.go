package orchestrator

import (
	"context"
	"fmt"

	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/report"
)

// Action names an operator command
type Action string

const (
	ActionInit    Action = "init"
	ActionCollect Action = "collect"
	ActionStatus  Action = "status"
	ActionRetry   Action = "retry"
	ActionAdd     Action = "add"
	ActionClear   Action = "clear"
)

// Command is the single request shape accepted by the orchestrator,
// from the CLI, the HTTP API and continuation messages alike.
type Command struct {
	Action   Action   `json:"action"`
	Projects []string `json:"projects,omitempty"`
	Category string   `json:"category,omitempty"`

	// Collect options
	Limit        int    `json:"limit,omitempty"`
	Wait         bool   `json:"wait,omitempty"`
	ContinueRepo string `json:"continue_repo,omitempty"`
}

// CommandResult is the outcome of one executed command. Only the
// fields relevant to the action are populated.
type CommandResult struct {
	Action  Action               `json:"action"`
	Added   int                  `json:"added,omitempty"`
	Retried int                  `json:"retried,omitempty"`
	Run     *RunSummary          `json:"run,omitempty"`
	Report  *report.SystemReport `json:"report,omitempty"`
}

// Execute dispatches a command to the matching operation
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	result := &CommandResult{Action: cmd.Action}

	switch cmd.Action {
	case ActionInit:
		if len(cmd.Projects) == 0 {
			return nil, apperrors.NewBadRequestError("init requires at least one project")
		}
		if err := o.store.Initialize(ctx, cmd.Projects, cmd.Category); err != nil {
			return nil, err
		}
		result.Added = len(cmd.Projects)

	case ActionAdd:
		if len(cmd.Projects) == 0 {
			return nil, apperrors.NewBadRequestError("add requires at least one project")
		}
		added, err := o.store.AddProjects(ctx, cmd.Projects)
		if err != nil {
			return nil, err
		}
		result.Added = added

	case ActionCollect:
		summary, err := o.Run(ctx, RunOptions{
			Limit:        cmd.Limit,
			Wait:         cmd.Wait,
			ContinueRepo: cmd.ContinueRepo,
		})
		if err != nil {
			return nil, err
		}
		result.Run = summary

	case ActionStatus:
		rep, err := o.reporter.Report(ctx)
		if err != nil {
			return nil, err
		}
		result.Report = rep

	case ActionRetry:
		retried, err := o.store.RetryFailed(ctx)
		if err != nil {
			return nil, err
		}
		result.Retried = retried

	case ActionClear:
		if err := o.store.Clear(ctx); err != nil {
			return nil, err
		}

	default:
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("unknown action %q", cmd.Action))
	}

	return result, nil
}
