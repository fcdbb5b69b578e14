package state

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is an indexed workflow file for a repository. The
// (repo, name) pair is unique; the content hash changes when the file does.
type WorkflowDefinition struct {
	ID              int64           `json:"id"`
	Repo            string          `json:"repo"`
	Name            string          `json:"name"`
	Path            string          `json:"path"`
	ContentHash     string          `json:"content_hash"`
	TriggerEvents   []string        `json:"trigger_events,omitempty"`
	IsAgentWorkflow bool            `json:"is_agent_workflow"`
	Content         json.RawMessage `json:"content,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type RunnerStatus string

const (
	RunnerStatusOffline RunnerStatus = "offline"
	RunnerStatusOnline  RunnerStatus = "online"
	RunnerStatusBusy    RunnerStatus = "busy"
)

// Runner is a fleet agent that polls for tasks. Its bearer credential is
// stored as a one-way hash plus a displayable last-eight suffix; the raw
// token is returned exactly once at registration.
type Runner struct {
	ID             int64        `json:"id"`
	UUID           string       `json:"uuid"`
	Owner          string       `json:"owner"`
	Repo           string       `json:"repo,omitempty"` // empty = fleet-wide
	Name           string       `json:"name"`
	Version        string       `json:"version,omitempty"`
	Labels         []string     `json:"labels,omitempty"`
	Status         RunnerStatus `json:"status"`
	TokenHash      string       `json:"-"`
	TokenLastEight string       `json:"token_last_eight,omitempty"`
	LastOnlineAt   *time.Time   `json:"last_online_at,omitempty"`
	LastActiveAt   *time.Time   `json:"last_active_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Run is one execution of a workflow definition, or an ad-hoc manual run.
// RunNumber is unique per repository and strictly increasing.
type Run struct {
	ID                int64           `json:"id"`
	Repo              string          `json:"repo"`
	WorkflowID        int64           `json:"workflow_id,omitempty"` // 0 = ad-hoc
	RunNumber         int64           `json:"run_number"`
	Title             string          `json:"title"`
	TriggerEvent      string          `json:"trigger_event,omitempty"`
	TriggerUser       string          `json:"trigger_user,omitempty"`
	EventPayload      json.RawMessage `json:"event_payload,omitempty"`
	Ref               string          `json:"ref,omitempty"`
	CommitSHA         string          `json:"commit_sha,omitempty"`
	Status            Status          `json:"status"`
	ConcurrencyGroup  string          `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool            `json:"concurrency_cancel,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	StoppedAt         *time.Time      `json:"stopped_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Job is one node in a run's job graph. JobID is the machine identifier
// unique within the run; Needs lists other JobID values this job depends on
// and is stored opaquely, resolution is the caller's responsibility.
type Job struct {
	ID                int64      `json:"id"`
	RunID             int64      `json:"run_id"`
	JobID             string     `json:"job_id"`
	Name              string     `json:"name"`
	Needs             []string   `json:"needs,omitempty"`
	RunsOn            []string   `json:"runs_on,omitempty"`
	Status            Status     `json:"status"`
	Attempt           int        `json:"attempt"`
	ConcurrencyGroup  string     `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool       `json:"concurrency_cancel,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Task is one concrete execution attempt of a job on a specific runner.
// RunnerID is nil while the task is waiting; it is set atomically together
// with the transition to Running when a runner claims the task.
type Task struct {
	ID              int64      `json:"id"`
	JobID           int64      `json:"job_id"`
	RunnerID        *int64     `json:"runner_id,omitempty"`
	Attempt         int        `json:"attempt"`
	Status          Status     `json:"status"`
	Repo            string     `json:"repo"`
	CommitSHA       string     `json:"commit_sha,omitempty"`
	WorkflowPath    string     `json:"workflow_path,omitempty"`
	WorkflowContent []byte     `json:"workflow_content,omitempty"`
	TokenHash       string     `json:"-"`
	TokenLastEight  string     `json:"token_last_eight,omitempty"`
	LogFileRef      string     `json:"log_file_ref,omitempty"`
	LogSize         int64      `json:"log_size"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Step is one declared unit of work inside a task. Index is zero-based and
// unique within the task; LogIndex/LogLength describe the step's slice of
// the task's log stream.
type Step struct {
	ID        int64           `json:"id"`
	TaskID    int64           `json:"task_id"`
	Index     int             `json:"step_index"`
	Name      string          `json:"name"`
	Status    Status          `json:"status"`
	LogIndex  int64           `json:"log_index"`
	LogLength int64           `json:"log_length"`
	Output    json.RawMessage `json:"output,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LogLine is an immutable appended line for a (task, step) pair. LineNumber
// is zero-based and unique within the pair; lines are never rewritten.
type LogLine struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	StepIndex  int       `json:"step_index"`
	LineNumber int64     `json:"line_number"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Artifact is a stored artifact reference for a task.
type Artifact struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Type      string    `json:"type"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

type CommitStatusState string

const (
	CommitStatePending CommitStatusState = "pending"
	CommitStateSuccess CommitStatusState = "success"
	CommitStateFailure CommitStatusState = "failure"
	CommitStateError   CommitStatusState = "error"
)

// CommitStatus is one named check result for a (repo, commit) pair. The
// (repo, commit, context) key is unique; writes for an existing key
// overwrite fields instead of creating a new row.
type CommitStatus struct {
	ID          int64             `json:"id"`
	Repo        string            `json:"repo"`
	CommitSHA   string            `json:"commit_sha"`
	Context     string            `json:"context"`
	State       CommitStatusState `json:"state"`
	Description string            `json:"description,omitempty"`
	TargetURL   string            `json:"target_url,omitempty"`
	RunID       int64             `json:"run_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
