package orchestrator

import (
	"encoding/json"

	"github.com/plue-dev/plue-flow/state"
)

// JobSpec declares one job of a run. JobID must be unique within the run
// and Needs may only reference sibling JobID values; Steps are the declared
// step names in execution order.
type JobSpec struct {
	JobID             string   `json:"job_id"`
	Name              string   `json:"name"`
	Needs             []string `json:"needs,omitempty"`
	RunsOn            []string `json:"runs_on,omitempty"`
	Steps             []string `json:"steps"`
	ConcurrencyGroup  string   `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool     `json:"concurrency_cancel,omitempty"`
}

// CreateRunRequest captures inputs to start a new run. WorkflowID is zero
// for ad-hoc manual runs.
type CreateRunRequest struct {
	Repo              string          `json:"repo"`
	WorkflowID        int64           `json:"workflow_id,omitempty"`
	Title             string          `json:"title"`
	TriggerEvent      string          `json:"trigger_event,omitempty"`
	TriggerUser       string          `json:"trigger_user,omitempty"`
	EventPayload      json.RawMessage `json:"event_payload,omitempty"`
	Ref               string          `json:"ref,omitempty"`
	CommitSHA         string          `json:"commit_sha,omitempty"`
	ConcurrencyGroup  string          `json:"concurrency_group,omitempty"`
	ConcurrencyCancel bool            `json:"concurrency_cancel,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	Jobs              []JobSpec       `json:"jobs"`
}

// RunDetails aggregates a run with its jobs and their task attempts for
// read-only APIs. Status is the effective status derived by aggregation.
type RunDetails struct {
	Run    state.Run    `json:"run"`
	Status state.Status `json:"status"`
	Jobs   []JobDetail  `json:"jobs"`
}

// JobDetail presents a job alongside its task attempts.
type JobDetail struct {
	Job    state.Job    `json:"job"`
	Status state.Status `json:"status"`
	Tasks  []TaskDetail `json:"tasks"`
}

// TaskDetail presents a task with its steps.
type TaskDetail struct {
	Task  state.Task   `json:"task"`
	Steps []state.Step `json:"steps"`
}

// RegisterRunnerRequest captures a runner registration.
type RegisterRunnerRequest struct {
	Owner   string   `json:"owner"`
	Repo    string   `json:"repo,omitempty"`
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

// RegisteredRunner is the one response that carries the raw runner token.
type RegisteredRunner struct {
	Runner state.Runner `json:"runner"`
	Token  string       `json:"token"`
}

// ClaimedTask is handed to the runner that won a claim. Token is the raw
// task credential, delivered here and never again.
type ClaimedTask struct {
	Task  state.Task   `json:"task"`
	Job   state.Job    `json:"job"`
	Steps []state.Step `json:"steps"`
	Token string       `json:"token"`
}
