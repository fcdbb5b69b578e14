// Package memory provides an in-process implementation of the state.Store
// gateway. It backs tests and single-process deployments; every operation
// runs under one mutex, which makes the claim compare-and-swap trivially
// exclusive.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plue-dev/plue-flow/state"
	"github.com/plue-dev/plue-flow/token"
)

type stepKey struct {
	taskID int64
	index  int
}

type Store struct {
	mu sync.Mutex

	lastID    int64
	workflows map[int64]*state.WorkflowDefinition
	runners   map[int64]*state.Runner
	runs      map[int64]*state.Run
	jobs      map[int64]*state.Job
	tasks     map[int64]*state.Task
	steps     map[stepKey]*state.Step
	logs      []state.LogLine
	nextLine  map[stepKey]int64
	artifacts map[int64]*state.Artifact
	statuses  map[int64]*state.CommitStatus
}

var _ state.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		workflows: make(map[int64]*state.WorkflowDefinition),
		runners:   make(map[int64]*state.Runner),
		runs:      make(map[int64]*state.Run),
		jobs:      make(map[int64]*state.Job),
		tasks:     make(map[int64]*state.Task),
		steps:     make(map[stepKey]*state.Step),
		nextLine:  make(map[stepKey]int64),
		artifacts: make(map[int64]*state.Artifact),
		statuses:  make(map[int64]*state.CommitStatus),
	}
}

func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

func now(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Workflow definitions

func (s *Store) UpsertWorkflowDefinition(ctx context.Context, def state.WorkflowDefinition) (state.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.workflows {
		if existing.Repo == def.Repo && existing.Name == def.Name {
			if existing.ContentHash == def.ContentHash {
				return cloneWorkflow(existing), nil
			}
			existing.Path = def.Path
			existing.ContentHash = def.ContentHash
			existing.TriggerEvents = copyStrings(def.TriggerEvents)
			existing.IsAgentWorkflow = def.IsAgentWorkflow
			existing.Content = append([]byte(nil), def.Content...)
			existing.UpdatedAt = time.Now().UTC()
			return cloneWorkflow(existing), nil
		}
	}

	def.ID = s.nextID()
	def.CreatedAt = time.Now().UTC()
	def.UpdatedAt = def.CreatedAt
	stored := def
	stored.TriggerEvents = copyStrings(def.TriggerEvents)
	s.workflows[def.ID] = &stored
	return cloneWorkflow(&stored), nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, id int64) (state.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.workflows[id]
	if !ok {
		return state.WorkflowDefinition{}, fmt.Errorf("%w: workflow %d", state.ErrNotFound, id)
	}
	return cloneWorkflow(def), nil
}

func (s *Store) FindWorkflowDefinition(ctx context.Context, repo, name string) (state.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, def := range s.workflows {
		if def.Repo == repo && def.Name == name {
			return cloneWorkflow(def), nil
		}
	}
	return state.WorkflowDefinition{}, fmt.Errorf("%w: workflow %s/%s", state.ErrNotFound, repo, name)
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, repo string) ([]state.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var defs []state.WorkflowDefinition
	for _, def := range s.workflows {
		if def.Repo == repo {
			defs = append(defs, cloneWorkflow(def))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Runners

func (s *Store) CreateRunner(ctx context.Context, runner state.Runner) (state.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runner.Status == "" {
		runner.Status = state.RunnerStatusOffline
	}
	runner.ID = s.nextID()
	runner.CreatedAt = time.Now().UTC()
	runner.UpdatedAt = runner.CreatedAt
	stored := runner
	stored.Labels = copyStrings(runner.Labels)
	s.runners[runner.ID] = &stored
	return cloneRunner(&stored), nil
}

func (s *Store) GetRunner(ctx context.Context, id int64) (state.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return state.Runner{}, fmt.Errorf("%w: runner %d", state.ErrNotFound, id)
	}
	return cloneRunner(runner), nil
}

func (s *Store) FindRunnerByTokenHash(ctx context.Context, hash string) (state.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, runner := range s.runners {
		if token.HashesEqual(runner.TokenHash, hash) {
			return cloneRunner(runner), nil
		}
	}
	return state.Runner{}, fmt.Errorf("%w: runner token", state.ErrNotFound)
}

func (s *Store) ListRunners(ctx context.Context, owner string) ([]state.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runners []state.Runner
	for _, runner := range s.runners {
		if owner == "" || runner.Owner == owner {
			runners = append(runners, cloneRunner(runner))
		}
	}
	sort.Slice(runners, func(i, j int) bool { return runners[i].ID < runners[j].ID })
	return runners, nil
}

func (s *Store) TouchRunner(ctx context.Context, id int64, status state.RunnerStatus, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return fmt.Errorf("%w: runner %d", state.ErrNotFound, id)
	}
	at = now(at)
	runner.Status = status
	runner.LastOnlineAt = &at
	if active {
		runner.LastActiveAt = &at
	}
	runner.UpdatedAt = at
	return nil
}

func (s *Store) SweepOfflineRunners(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	for _, runner := range s.runners {
		if runner.Status == state.RunnerStatusOffline {
			continue
		}
		if runner.LastOnlineAt == nil || runner.LastOnlineAt.Before(cutoff) {
			runner.Status = state.RunnerStatusOffline
			runner.UpdatedAt = time.Now().UTC()
			swept++
		}
	}
	return swept, nil
}

// Runs

func (s *Store) CreateRun(ctx context.Context, run state.Run, jobs []state.Job) (state.Run, []state.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobIDs := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if _, dup := jobIDs[job.JobID]; dup {
			return state.Run{}, nil, state.ConflictError{Entity: "job", Key: job.JobID}
		}
		jobIDs[job.JobID] = struct{}{}
	}
	for _, job := range jobs {
		for _, need := range job.Needs {
			if _, ok := jobIDs[need]; !ok {
				return state.Run{}, nil, fmt.Errorf("job %s needs unknown job %s", job.JobID, need)
			}
		}
	}

	var maxNumber int64
	for _, existing := range s.runs {
		if existing.Repo == run.Repo && existing.RunNumber > maxNumber {
			maxNumber = existing.RunNumber
		}
	}

	if run.Status == state.StatusUnknown {
		run.Status = state.StatusWaiting
	}
	run.ID = s.nextID()
	run.RunNumber = maxNumber + 1
	run.CreatedAt = time.Now().UTC()
	run.UpdatedAt = run.CreatedAt
	storedRun := run
	s.runs[run.ID] = &storedRun

	created := make([]state.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Status == state.StatusUnknown {
			job.Status = state.StatusWaiting
		}
		job.ID = s.nextID()
		job.RunID = run.ID
		if job.Attempt == 0 {
			job.Attempt = 1
		}
		job.CreatedAt = run.CreatedAt
		job.UpdatedAt = run.CreatedAt
		stored := job
		stored.Needs = copyStrings(job.Needs)
		stored.RunsOn = copyStrings(job.RunsOn)
		s.jobs[job.ID] = &stored
		created = append(created, cloneJob(&stored))
	}

	return cloneRun(&storedRun), created, nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (state.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return state.Run{}, fmt.Errorf("%w: run %d", state.ErrNotFound, id)
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, filter state.RunFilter) ([]state.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []state.Run
	for _, run := range s.runs {
		if filter.Repo != "" && run.Repo != filter.Repo {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.ConcurrencyGroup != "" && run.ConcurrencyGroup != filter.ConcurrencyGroup {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Repo != runs[j].Repo {
			return runs[i].Repo < runs[j].Repo
		}
		return runs[i].RunNumber > runs[j].RunNumber
	})
	return paginate(runs, filter.Offset, filter.Limit), nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: run %d", state.ErrNotFound, id)
	}
	applyStatus(&run.Status, &run.StartedAt, &run.StoppedAt, &run.UpdatedAt, status, stoppedAt)
	return nil
}

// Jobs

func (s *Store) GetJob(ctx context.Context, id int64) (state.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return state.Job{}, fmt.Errorf("%w: job %d", state.ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *Store) ListJobsByRun(ctx context.Context, runID int64) ([]state.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []state.Job
	for _, job := range s.jobs {
		if job.RunID == runID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %d", state.ErrNotFound, id)
	}
	applyStatus(&job.Status, &job.StartedAt, &job.StoppedAt, &job.UpdatedAt, status, stoppedAt)
	return nil
}

// Tasks

func (s *Store) CreateTask(ctx context.Context, task state.Task, steps []state.Step) (state.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[task.JobID]; !ok {
		return state.Task{}, fmt.Errorf("%w: job %d", state.ErrNotFound, task.JobID)
	}
	seen := make(map[int]struct{}, len(steps))
	for _, step := range steps {
		if _, dup := seen[step.Index]; dup {
			return state.Task{}, state.ConflictError{Entity: "step", Key: fmt.Sprintf("%d", step.Index)}
		}
		seen[step.Index] = struct{}{}
	}

	if task.Status == state.StatusUnknown {
		task.Status = state.StatusWaiting
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	task.ID = s.nextID()
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	stored := task
	s.tasks[task.ID] = &stored

	for _, step := range steps {
		if step.Status == state.StatusUnknown {
			step.Status = state.StatusWaiting
		}
		step.ID = s.nextID()
		step.TaskID = task.ID
		step.CreatedAt = task.CreatedAt
		step.UpdatedAt = task.CreatedAt
		storedStep := step
		s.steps[stepKey{task.ID, step.Index}] = &storedStep
	}

	return cloneTask(&stored), nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (state.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return state.Task{}, fmt.Errorf("%w: task %d", state.ErrNotFound, id)
	}
	return cloneTask(task), nil
}

func (s *Store) FindTaskByTokenHash(ctx context.Context, hash string) (state.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.tasks {
		if task.TokenHash != "" && token.HashesEqual(task.TokenHash, hash) {
			return cloneTask(task), nil
		}
	}
	return state.Task{}, fmt.Errorf("%w: task token", state.ErrNotFound)
}

func (s *Store) ListTasksByJob(ctx context.Context, jobID int64) ([]state.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []state.Task
	for _, task := range s.tasks {
		if task.JobID == jobID {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status state.Status, stoppedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %d", state.ErrNotFound, id)
	}
	applyStatus(&task.Status, &task.StartedAt, &task.StoppedAt, &task.UpdatedAt, status, stoppedAt)
	return nil
}

// ClaimTask selects the earliest-created waiting task whose job's label
// requirement is satisfied and assigns it under the store lock, so exactly
// one concurrent claimant can win a given task.
func (s *Store) ClaimTask(ctx context.Context, claim state.TaskClaim) (state.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidate *state.Task
	for _, task := range s.tasks {
		if task.Status != state.StatusWaiting || task.RunnerID != nil {
			continue
		}
		job, ok := s.jobs[task.JobID]
		if !ok || !state.LabelsSatisfy(job.RunsOn, claim.Labels) {
			continue
		}
		if candidate == nil || task.CreatedAt.Before(candidate.CreatedAt) ||
			(task.CreatedAt.Equal(candidate.CreatedAt) && task.ID < candidate.ID) {
			candidate = task
		}
	}
	if candidate == nil {
		return state.Task{}, state.ErrNoTask
	}

	runnerID := claim.RunnerID
	candidate.RunnerID = &runnerID
	candidate.TokenHash = claim.TokenHash
	candidate.TokenLastEight = claim.TokenLastEight
	applyStatus(&candidate.Status, &candidate.StartedAt, &candidate.StoppedAt, &candidate.UpdatedAt, state.StatusRunning, nil)
	return cloneTask(candidate), nil
}

func (s *Store) SetTaskLogFile(ctx context.Context, id int64, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %d", state.ErrNotFound, id)
	}
	task.LogFileRef = ref
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// Steps

func (s *Store) GetStep(ctx context.Context, taskID int64, index int) (state.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepKey{taskID, index}]
	if !ok {
		return state.Step{}, fmt.Errorf("%w: step %d of task %d", state.ErrNotFound, index, taskID)
	}
	return cloneStep(step), nil
}

func (s *Store) ListStepsByTask(ctx context.Context, taskID int64) ([]state.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var steps []state.Step
	for key, step := range s.steps {
		if key.taskID == taskID {
			steps = append(steps, cloneStep(step))
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (s *Store) UpdateStepStatus(ctx context.Context, taskID int64, index int, status state.Status, stoppedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepKey{taskID, index}]
	if !ok {
		return fmt.Errorf("%w: step %d of task %d", state.ErrNotFound, index, taskID)
	}
	applyStatus(&step.Status, &step.StartedAt, &step.StoppedAt, &step.UpdatedAt, status, stoppedAt)
	return nil
}

func (s *Store) SetStepOutput(ctx context.Context, taskID int64, index int, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepKey{taskID, index}]
	if !ok {
		return fmt.Errorf("%w: step %d of task %d", state.ErrNotFound, index, taskID)
	}
	step.Output = append([]byte(nil), output...)
	step.UpdatedAt = time.Now().UTC()
	return nil
}

// Logs

func (s *Store) AppendLogLines(ctx context.Context, taskID int64, stepIndex int, lines []string, at time.Time) ([]state.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lines) == 0 {
		return nil, nil
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %d", state.ErrNotFound, taskID)
	}
	key := stepKey{taskID, stepIndex}
	step, ok := s.steps[key]
	if !ok {
		return nil, fmt.Errorf("%w: step %d of task %d", state.ErrNotFound, stepIndex, taskID)
	}

	at = now(at)
	if step.LogLength == 0 {
		step.LogIndex = task.LogSize
	}

	appended := make([]state.LogLine, 0, len(lines))
	for _, content := range lines {
		line := state.LogLine{
			ID:         s.nextID(),
			TaskID:     taskID,
			StepIndex:  stepIndex,
			LineNumber: s.nextLine[key],
			Content:    content,
			CreatedAt:  at,
		}
		s.nextLine[key]++
		s.logs = append(s.logs, line)
		appended = append(appended, line)
	}

	step.LogLength += int64(len(lines))
	step.UpdatedAt = at
	task.LogSize += int64(len(lines))
	task.UpdatedAt = at
	return appended, nil
}

func (s *Store) ListLogLines(ctx context.Context, filter state.LogFilter) ([]state.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []state.LogLine
	for _, line := range s.logs {
		if line.TaskID != filter.TaskID {
			continue
		}
		if filter.StepIndex != nil && line.StepIndex != *filter.StepIndex {
			continue
		}
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].StepIndex != lines[j].StepIndex {
			return lines[i].StepIndex < lines[j].StepIndex
		}
		return lines[i].LineNumber < lines[j].LineNumber
	})

	if filter.Offset > 0 {
		if filter.Offset >= int64(len(lines)) {
			return nil, nil
		}
		lines = lines[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(lines) {
		lines = lines[:filter.Limit]
	}
	return lines, nil
}

// Artifacts

func (s *Store) CreateArtifact(ctx context.Context, artifact state.Artifact) (state.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[artifact.TaskID]; !ok {
		return state.Artifact{}, fmt.Errorf("%w: task %d", state.ErrNotFound, artifact.TaskID)
	}
	artifact.ID = s.nextID()
	artifact.CreatedAt = time.Now().UTC()
	stored := artifact
	s.artifacts[artifact.ID] = &stored
	return stored, nil
}

func (s *Store) ListArtifactsByTask(ctx context.Context, taskID int64) ([]state.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var artifacts []state.Artifact
	for _, artifact := range s.artifacts {
		if artifact.TaskID == taskID {
			artifacts = append(artifacts, *artifact)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ID < artifacts[j].ID })
	return artifacts, nil
}

// Commit statuses

func (s *Store) UpsertCommitStatus(ctx context.Context, status state.CommitStatus) (state.CommitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.statuses {
		if existing.Repo == status.Repo && existing.CommitSHA == status.CommitSHA && existing.Context == status.Context {
			existing.State = status.State
			existing.Description = status.Description
			existing.TargetURL = status.TargetURL
			existing.RunID = status.RunID
			existing.UpdatedAt = time.Now().UTC()
			return *existing, nil
		}
	}

	status.ID = s.nextID()
	status.CreatedAt = time.Now().UTC()
	status.UpdatedAt = status.CreatedAt
	stored := status
	s.statuses[status.ID] = &stored
	return stored, nil
}

func (s *Store) ListCommitStatuses(ctx context.Context, repo, commitSHA string) ([]state.CommitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statuses []state.CommitStatus
	for _, status := range s.statuses {
		if status.Repo == repo && status.CommitSHA == commitSHA {
			statuses = append(statuses, *status)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses, nil
}

// applyStatus writes a status change: status and updatedAt always, startedAt
// only on the first transition to Running, stoppedAt only when supplied.
func applyStatus(status *state.Status, startedAt, stoppedAt **time.Time, updatedAt *time.Time, next state.Status, stop *time.Time) {
	at := time.Now().UTC()
	*status = next
	*updatedAt = at
	if next == state.StatusRunning && *startedAt == nil {
		started := at
		*startedAt = &started
	}
	if stop != nil {
		stopped := stop.UTC()
		*stoppedAt = &stopped
	}
}

func paginate(runs []state.Run, offset, limit int) []state.Run {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}

func copyStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}

func cloneWorkflow(def *state.WorkflowDefinition) state.WorkflowDefinition {
	out := *def
	out.TriggerEvents = copyStrings(def.TriggerEvents)
	out.Content = append([]byte(nil), def.Content...)
	return out
}

func cloneRunner(runner *state.Runner) state.Runner {
	out := *runner
	out.Labels = copyStrings(runner.Labels)
	out.LastOnlineAt = copyTime(runner.LastOnlineAt)
	out.LastActiveAt = copyTime(runner.LastActiveAt)
	return out
}

func cloneRun(run *state.Run) state.Run {
	out := *run
	out.EventPayload = append([]byte(nil), run.EventPayload...)
	out.StartedAt = copyTime(run.StartedAt)
	out.StoppedAt = copyTime(run.StoppedAt)
	return out
}

func cloneJob(job *state.Job) state.Job {
	out := *job
	out.Needs = copyStrings(job.Needs)
	out.RunsOn = copyStrings(job.RunsOn)
	out.StartedAt = copyTime(job.StartedAt)
	out.StoppedAt = copyTime(job.StoppedAt)
	return out
}

func cloneTask(task *state.Task) state.Task {
	out := *task
	if task.RunnerID != nil {
		id := *task.RunnerID
		out.RunnerID = &id
	}
	out.WorkflowContent = append([]byte(nil), task.WorkflowContent...)
	out.StartedAt = copyTime(task.StartedAt)
	out.StoppedAt = copyTime(task.StoppedAt)
	return out
}

func cloneStep(step *state.Step) state.Step {
	out := *step
	out.Output = append([]byte(nil), step.Output...)
	out.StartedAt = copyTime(step.StartedAt)
	out.StoppedAt = copyTime(step.StoppedAt)
	return out
}
