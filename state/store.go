package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrNoTask indicates that no waiting task matches a claim request. Losing
// the claim race reports the same way; polling callers treat both as a
// normal empty result.
var ErrNoTask = errors.New("state: no task available")

// ConflictError signals a uniqueness violation detected by the store, such
// as a duplicate run number or a duplicate job id within a run.
type ConflictError struct {
	Entity string
	Key    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: conflicting key %q", e.Entity, e.Key)
}

func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Repo             string
	Status           *Status
	ConcurrencyGroup string
	Limit            int
	Offset           int
}

// LogFilter narrows ListLogLines. A nil StepIndex selects the whole task
// stream ordered by (step index, line number).
type LogFilter struct {
	TaskID    int64
	StepIndex *int
	Offset    int64
	Limit     int
}

// TaskClaim carries a runner's claim attempt. The credential fields are
// written onto the task in the same atomic update that assigns the runner,
// so a task only ever carries a credential once it is held.
type TaskClaim struct {
	RunnerID       int64
	Labels         []string
	TokenHash      string
	TokenLastEight string
	Now            time.Time
}

// Store is the persistence gateway this core requires from a durable store.
// All status-updating operations share one rule: they set status and the
// updated timestamp unconditionally, set the start timestamp only the first
// time the new status is Running, and set the stop timestamp only when the
// caller supplies one. ClaimTask is the single compare-and-swap operation;
// under concurrent claims for one task exactly one caller wins and the rest
// get ErrNoTask.
type Store interface {
	// Workflow definitions
	UpsertWorkflowDefinition(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error)
	GetWorkflowDefinition(ctx context.Context, id int64) (WorkflowDefinition, error)
	FindWorkflowDefinition(ctx context.Context, repo, name string) (WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, repo string) ([]WorkflowDefinition, error)

	// Runners
	CreateRunner(ctx context.Context, runner Runner) (Runner, error)
	GetRunner(ctx context.Context, id int64) (Runner, error)
	FindRunnerByTokenHash(ctx context.Context, hash string) (Runner, error)
	ListRunners(ctx context.Context, owner string) ([]Runner, error)
	TouchRunner(ctx context.Context, id int64, status RunnerStatus, active bool, now time.Time) error
	SweepOfflineRunners(ctx context.Context, cutoff time.Time) (int64, error)

	// Runs; CreateRun assigns the per-repository run number atomically and
	// creates the run's jobs in the same transaction.
	CreateRun(ctx context.Context, run Run, jobs []Job) (Run, []Job, error)
	GetRun(ctx context.Context, id int64) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	UpdateRunStatus(ctx context.Context, id int64, status Status, stoppedAt *time.Time) error

	// Jobs
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobsByRun(ctx context.Context, runID int64) ([]Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status Status, stoppedAt *time.Time) error

	// Tasks
	CreateTask(ctx context.Context, task Task, steps []Step) (Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	FindTaskByTokenHash(ctx context.Context, hash string) (Task, error)
	ListTasksByJob(ctx context.Context, jobID int64) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status Status, stoppedAt *time.Time) error
	ClaimTask(ctx context.Context, claim TaskClaim) (Task, error)
	SetTaskLogFile(ctx context.Context, id int64, ref string) error

	// Steps
	GetStep(ctx context.Context, taskID int64, index int) (Step, error)
	ListStepsByTask(ctx context.Context, taskID int64) ([]Step, error)
	UpdateStepStatus(ctx context.Context, taskID int64, index int, status Status, stoppedAt *time.Time) error
	SetStepOutput(ctx context.Context, taskID int64, index int, output []byte) error

	// Logs; AppendLogLines assigns consecutive line numbers per (task, step)
	// and maintains the step's log length and the task's cumulative size. An
	// empty batch is a no-op.
	AppendLogLines(ctx context.Context, taskID int64, stepIndex int, lines []string, now time.Time) ([]LogLine, error)
	ListLogLines(ctx context.Context, filter LogFilter) ([]LogLine, error)

	// Artifacts
	CreateArtifact(ctx context.Context, artifact Artifact) (Artifact, error)
	ListArtifactsByTask(ctx context.Context, taskID int64) ([]Artifact, error)

	// Commit statuses; the (repo, commit, context) key upserts.
	UpsertCommitStatus(ctx context.Context, status CommitStatus) (CommitStatus, error)
	ListCommitStatuses(ctx context.Context, repo, commitSHA string) ([]CommitStatus, error)
}

// LabelsSatisfy reports whether the runner label set covers every required
// label. An empty requirement matches any runner.
func LabelsSatisfy(required, runnerLabels []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(runnerLabels))
	for _, label := range runnerLabels {
		have[label] = struct{}{}
	}
	for _, label := range required {
		if _, ok := have[label]; !ok {
			return false
		}
	}
	return true
}
