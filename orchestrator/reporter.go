package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plue-dev/plue-flow/internal/observability"
	"github.com/plue-dev/plue-flow/state"
)

// StatusReporter publishes a run's outcome as a commit status.
type StatusReporter interface {
	ReportRun(ctx context.Context, runID int64) error
}

// NoopStatusReporter discards every report.
type NoopStatusReporter struct{}

func (NoopStatusReporter) ReportRun(context.Context, int64) error { return nil }

// CommitStatusSync mirrors run outcomes into the commit status table so
// each commit carries one named check per workflow.
type CommitStatusSync struct {
	store   state.Store
	baseURL string
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewCommitStatusSync(store state.Store, baseURL string, metrics *observability.Metrics, logger *slog.Logger) *CommitStatusSync {
	if logger == nil {
		logger = observability.NewLogger("commit-status")
	}
	return &CommitStatusSync{store: store, baseURL: baseURL, metrics: metrics, logger: logger}
}

// ReportRun upserts the commit status for a run. Runs without a commit are
// skipped. The status context is the workflow name when the run belongs to
// a stored workflow, otherwise a run-scoped fallback.
func (c *CommitStatusSync) ReportRun(ctx context.Context, runID int64) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.CommitSHA == "" {
		return nil
	}

	statusContext := fmt.Sprintf("workflow-%d", run.ID)
	if run.WorkflowID != 0 {
		def, err := c.store.GetWorkflowDefinition(ctx, run.WorkflowID)
		if err != nil {
			return fmt.Errorf("resolve workflow for commit status: %w", err)
		}
		if def.Name != "" {
			statusContext = def.Name
		}
	}

	commitState := mapRunToCommitState(run.Status)
	targetURL := ""
	if c.baseURL != "" {
		targetURL = fmt.Sprintf("%s/repos/%s/runs/%d", c.baseURL, run.Repo, run.RunNumber)
	}

	if _, err := c.store.UpsertCommitStatus(ctx, state.CommitStatus{
		Repo:        run.Repo,
		CommitSHA:   run.CommitSHA,
		Context:     statusContext,
		State:       commitState,
		Description: fmt.Sprintf("run #%d %s", run.RunNumber, run.Status),
		TargetURL:   targetURL,
		RunID:       run.ID,
	}); err != nil {
		return fmt.Errorf("upsert commit status: %w", err)
	}

	c.metrics.IncCommitStatus(string(commitState))
	observability.WithRun(c.logger, run.ID).Info("commit status synced",
		"event", "commit_status_synced", "repo", run.Repo, "context", statusContext, "state", commitState)
	return nil
}

// mapRunToCommitState collapses the eight run statuses into the four
// commit status states. In-flight runs map to pending; anything that is
// neither success, failure, nor in flight maps to error.
func mapRunToCommitState(status state.Status) state.CommitStatusState {
	switch status {
	case state.StatusSuccess:
		return state.CommitStateSuccess
	case state.StatusFailure:
		return state.CommitStateFailure
	case state.StatusRunning, state.StatusWaiting:
		return state.CommitStatePending
	default:
		return state.CommitStateError
	}
}
