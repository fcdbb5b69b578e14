package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plue-dev/plue-flow/internal/observability"
	"github.com/plue-dev/plue-flow/state"
	"github.com/plue-dev/plue-flow/token"
)

// LogArchiver persists a finished task's log stream to external storage and
// returns a reference to the stored file.
type LogArchiver interface {
	ArchiveTaskLog(ctx context.Context, task state.Task, lines []state.LogLine) (string, error)
}

// Service wires run materialization, task claiming, log appends, and status
// propagation on top of the persistence gateway.
type Service struct {
	store    state.Store
	reporter StatusReporter
	archiver LogArchiver
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewService constructs a service with sensible defaults.
func NewService(store state.Store, reporter StatusReporter, archiver LogArchiver, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if reporter == nil {
		reporter = NoopStatusReporter{}
	}
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	return &Service{
		store:    store,
		reporter: reporter,
		archiver: archiver,
		metrics:  metrics,
		logger:   logger,
	}
}

// CreateRun creates a run with its jobs, materializes one waiting task per
// job with the declared steps, and returns the resulting hierarchy.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (RunDetails, error) {
	if req.Repo == "" {
		return RunDetails{}, errors.New("repo is required")
	}
	if len(req.Jobs) == 0 {
		return RunDetails{}, errors.New("at least one job is required")
	}
	for _, spec := range req.Jobs {
		if spec.JobID == "" {
			return RunDetails{}, errors.New("job_id is required for every job")
		}
	}

	var workflowPath string
	var workflowContent []byte
	title := req.Title
	if req.WorkflowID != 0 {
		def, err := s.store.GetWorkflowDefinition(ctx, req.WorkflowID)
		if err != nil {
			return RunDetails{}, fmt.Errorf("resolve workflow: %w", err)
		}
		workflowPath = def.Path
		workflowContent = def.Content
		if title == "" {
			title = def.Name
		}
	}
	if title == "" {
		title = fmt.Sprintf("manual run on %s", req.Repo)
	}

	jobs := make([]state.Job, 0, len(req.Jobs))
	for _, spec := range req.Jobs {
		name := spec.Name
		if name == "" {
			name = spec.JobID
		}
		jobs = append(jobs, state.Job{
			JobID:             spec.JobID,
			Name:              name,
			Needs:             spec.Needs,
			RunsOn:            spec.RunsOn,
			Status:            state.StatusWaiting,
			Attempt:           1,
			ConcurrencyGroup:  spec.ConcurrencyGroup,
			ConcurrencyCancel: spec.ConcurrencyCancel,
		})
	}

	run, created, err := s.store.CreateRun(ctx, state.Run{
		Repo:              req.Repo,
		WorkflowID:        req.WorkflowID,
		Title:             title,
		TriggerEvent:      req.TriggerEvent,
		TriggerUser:       req.TriggerUser,
		EventPayload:      req.EventPayload,
		Ref:               req.Ref,
		CommitSHA:         req.CommitSHA,
		Status:            state.StatusWaiting,
		ConcurrencyGroup:  req.ConcurrencyGroup,
		ConcurrencyCancel: req.ConcurrencyCancel,
		SessionID:         req.SessionID,
	}, jobs)
	if err != nil {
		return RunDetails{}, fmt.Errorf("create run: %w", err)
	}

	for i, job := range created {
		steps := make([]state.Step, 0, len(req.Jobs[i].Steps))
		for index, stepName := range req.Jobs[i].Steps {
			steps = append(steps, state.Step{
				Index:  index,
				Name:   stepName,
				Status: state.StatusWaiting,
			})
		}
		if _, err := s.store.CreateTask(ctx, state.Task{
			JobID:           job.ID,
			Attempt:         1,
			Status:          state.StatusWaiting,
			Repo:            run.Repo,
			CommitSHA:       run.CommitSHA,
			WorkflowPath:    workflowPath,
			WorkflowContent: workflowContent,
		}, steps); err != nil {
			return RunDetails{}, fmt.Errorf("create task for job %s: %w", job.JobID, err)
		}
	}

	s.metrics.IncRun(state.StatusWaiting.String())
	observability.WithRun(s.logger, run.ID).Info("run created",
		"event", "run_created", "repo", run.Repo, "run_number", run.RunNumber, "jobs", len(created))

	return s.GetRunDetails(ctx, run.ID)
}

// GetRunDetails returns the run hierarchy with effective statuses derived
// by aggregation.
func (s *Service) GetRunDetails(ctx context.Context, runID int64) (RunDetails, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}

	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}

	details := RunDetails{Run: run}
	jobStatuses := make([]state.Status, 0, len(jobs))
	for _, job := range jobs {
		detail, err := s.jobDetail(ctx, job)
		if err != nil {
			return RunDetails{}, err
		}
		details.Jobs = append(details.Jobs, detail)
		jobStatuses = append(jobStatuses, detail.Status)
	}
	details.Status = state.Aggregate(jobStatuses)
	return details, nil
}

func (s *Service) jobDetail(ctx context.Context, job state.Job) (JobDetail, error) {
	tasks, err := s.store.ListTasksByJob(ctx, job.ID)
	if err != nil {
		return JobDetail{}, err
	}

	detail := JobDetail{Job: job, Status: job.Status}
	for _, task := range tasks {
		steps, err := s.store.ListStepsByTask(ctx, task.ID)
		if err != nil {
			return JobDetail{}, err
		}
		detail.Tasks = append(detail.Tasks, TaskDetail{Task: task, Steps: steps})
	}

	if latest := latestTask(detail.Tasks); latest != nil {
		detail.Status = effectiveJobStatus(job, latest.Task, latest.Steps)
	}
	return detail, nil
}

// effectiveJobStatus derives a job's status from the steps of its current
// attempt. A claimed task that has not reported any step progress yet still
// counts as Running so the hierarchy never understates activity.
func effectiveJobStatus(job state.Job, task state.Task, steps []state.Step) state.Status {
	if len(steps) == 0 {
		return task.Status
	}
	statuses := make([]state.Status, 0, len(steps))
	for _, step := range steps {
		statuses = append(statuses, step.Status)
	}
	aggregated := state.Aggregate(statuses)
	if task.Status == state.StatusRunning && (aggregated == state.StatusWaiting || aggregated == state.StatusUnknown) {
		return state.StatusRunning
	}
	return aggregated
}

func latestTask(tasks []TaskDetail) *TaskDetail {
	var latest *TaskDetail
	for i := range tasks {
		if latest == nil || tasks[i].Task.Attempt > latest.Task.Attempt ||
			(tasks[i].Task.Attempt == latest.Task.Attempt && tasks[i].Task.ID > latest.Task.ID) {
			latest = &tasks[i]
		}
	}
	return latest
}

// SyncRunStatus recomputes effective job statuses, persists changes, and
// propagates the aggregate to the run. When the run reaches a terminal
// status its commit status view is synchronized.
func (s *Service) SyncRunStatus(ctx context.Context, runID int64) (state.Status, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return state.StatusUnknown, err
	}

	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return state.StatusUnknown, err
	}

	now := time.Now().UTC()
	jobStatuses := make([]state.Status, 0, len(jobs))
	for _, job := range jobs {
		detail, err := s.jobDetail(ctx, job)
		if err != nil {
			return state.StatusUnknown, err
		}
		effective := detail.Status
		if effective != state.StatusUnknown && effective != job.Status {
			var stoppedAt *time.Time
			if effective.IsDone() && job.StoppedAt == nil {
				stoppedAt = &now
			}
			if err := s.store.UpdateJobStatus(ctx, job.ID, effective, stoppedAt); err != nil {
				return state.StatusUnknown, err
			}
		}
		jobStatuses = append(jobStatuses, effective)
	}

	aggregated := state.Aggregate(jobStatuses)
	if aggregated == state.StatusUnknown || aggregated == run.Status {
		return aggregated, nil
	}

	var stoppedAt *time.Time
	if aggregated.IsDone() && run.StoppedAt == nil {
		stoppedAt = &now
	}
	if err := s.store.UpdateRunStatus(ctx, runID, aggregated, stoppedAt); err != nil {
		return state.StatusUnknown, err
	}
	s.metrics.IncRun(aggregated.String())

	if aggregated.IsDone() {
		if err := s.reporter.ReportRun(ctx, runID); err != nil {
			observability.WithRun(s.logger, runID).Warn("commit status sync failed",
				"event", "commit_status_sync_failed", "error", err)
		}
	}
	return aggregated, nil
}

// UpdateTaskStatus records a runner-reported task status and propagates it
// up the hierarchy. Finished tasks get their log stream archived when an
// archiver is configured.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID int64, status state.Status, stoppedAt *time.Time) error {
	if err := s.store.UpdateTaskStatus(ctx, taskID, status, stoppedAt); err != nil {
		return err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if status.IsDone() && s.archiver != nil && task.LogFileRef == "" {
		if err := s.archiveTaskLog(ctx, task); err != nil {
			observability.WithTask(s.logger, taskID).Warn("log archive failed",
				"event", "log_archive_failed", "error", err)
		}
	}

	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	_, err = s.SyncRunStatus(ctx, job.RunID)
	return err
}

// UpdateStepStatus records a runner-reported step status, optionally with
// structured output, and propagates the change upward.
func (s *Service) UpdateStepStatus(ctx context.Context, taskID int64, index int, status state.Status, stoppedAt *time.Time, output []byte) error {
	if err := s.store.UpdateStepStatus(ctx, taskID, index, status, stoppedAt); err != nil {
		return err
	}
	if len(output) > 0 {
		if err := s.store.SetStepOutput(ctx, taskID, index, output); err != nil {
			return err
		}
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	_, err = s.SyncRunStatus(ctx, job.RunID)
	return err
}

func (s *Service) archiveTaskLog(ctx context.Context, task state.Task) error {
	lines, err := s.store.ListLogLines(ctx, state.LogFilter{TaskID: task.ID})
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}

	ref, err := s.archiver.ArchiveTaskLog(ctx, task, lines)
	if err != nil {
		return err
	}
	if err := s.store.SetTaskLogFile(ctx, task.ID, ref); err != nil {
		return err
	}
	_, err = s.store.CreateArtifact(ctx, state.Artifact{
		TaskID: task.ID,
		Type:   "log",
		URI:    ref,
	})
	return err
}

// RegisterRunner stores a new runner and returns its raw bearer token, the
// only time the raw value leaves the system.
func (s *Service) RegisterRunner(ctx context.Context, req RegisterRunnerRequest) (RegisteredRunner, error) {
	if req.Owner == "" || req.Name == "" {
		return RegisteredRunner{}, errors.New("owner and name are required")
	}

	cred, err := token.Issue()
	if err != nil {
		return RegisteredRunner{}, fmt.Errorf("issue runner token: %w", err)
	}

	now := time.Now().UTC()
	runner, err := s.store.CreateRunner(ctx, state.Runner{
		UUID:           uuid.NewString(),
		Owner:          req.Owner,
		Repo:           req.Repo,
		Name:           req.Name,
		Version:        req.Version,
		Labels:         req.Labels,
		Status:         state.RunnerStatusOnline,
		TokenHash:      cred.Hash,
		TokenLastEight: cred.LastEight,
		LastOnlineAt:   &now,
	})
	if err != nil {
		return RegisteredRunner{}, fmt.Errorf("create runner: %w", err)
	}

	observability.WithRunner(s.logger, runner.ID).Info("runner registered",
		"event", "runner_registered", "owner", runner.Owner, "name", runner.Name, "token_last_eight", runner.TokenLastEight)

	// The response carries the raw token once; the hash stays server-side.
	runner.TokenHash = ""
	return RegisteredRunner{Runner: runner, Token: cred.Raw}, nil
}

// RunnerHeartbeat records runner liveness, last-write-wins.
func (s *Service) RunnerHeartbeat(ctx context.Context, runnerID int64, status state.RunnerStatus) error {
	if status == "" {
		status = state.RunnerStatusOnline
	}
	return s.store.TouchRunner(ctx, runnerID, status, false, time.Now().UTC())
}

// AuthenticateRunner resolves a presented raw token to its runner. Absence
// is reported as state.ErrNotFound; the boundary maps it to a 401.
func (s *Service) AuthenticateRunner(ctx context.Context, rawToken string) (state.Runner, error) {
	if rawToken == "" {
		return state.Runner{}, fmt.Errorf("%w: runner token", state.ErrNotFound)
	}
	return s.store.FindRunnerByTokenHash(ctx, token.Hash(rawToken))
}

// AuthenticateTask resolves a presented raw token to its task.
func (s *Service) AuthenticateTask(ctx context.Context, rawToken string) (state.Task, error) {
	if rawToken == "" {
		return state.Task{}, fmt.Errorf("%w: task token", state.ErrNotFound)
	}
	return s.store.FindTaskByTokenHash(ctx, token.Hash(rawToken))
}
