package protocol

import (
	"encoding/json"
	"time"
)

// Poll is sent by a runner asking for work. Labels override the runner's
// registered label set when present.
type Poll struct {
	Type   string   `json:"type"` // always "Poll"
	Labels []string `json:"labels,omitempty"`
}

type StepSpec struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// TaskAssigned carries a claimed task to the winning runner. Token is the
// raw task credential; it is delivered in this message and never again.
type TaskAssigned struct {
	Type            string     `json:"type"` // always "TaskAssigned"
	TaskID          int64      `json:"task_id"`
	JobID           string     `json:"job_id"`
	JobName         string     `json:"job_name"`
	Attempt         int        `json:"attempt"`
	Repo            string     `json:"repo"`
	CommitSHA       string     `json:"commit_sha,omitempty"`
	WorkflowPath    string     `json:"workflow_path,omitempty"`
	WorkflowContent []byte     `json:"workflow_content,omitempty"`
	Steps           []StepSpec `json:"steps"`
	Token           string     `json:"token"`
}

// Heartbeat reports runner liveness and its current state.
type Heartbeat struct {
	Type   string    `json:"type"` // always "Heartbeat"
	Status string    `json:"status,omitempty"`
	TS     time.Time `json:"ts"`
}

// TaskStatusUpdate is sent with the task bearer token when the attempt
// changes state. Status accepts lenient spellings.
type TaskStatusUpdate struct {
	Type      string     `json:"type"` // always "TaskStatusUpdate"
	Status    string     `json:"status"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// StepStatusUpdate reports one step's state, optionally with structured
// output produced by the step.
type StepStatusUpdate struct {
	Type      string          `json:"type"` // always "StepStatusUpdate"
	StepIndex int             `json:"step_index"`
	Status    string          `json:"status"`
	StoppedAt *time.Time      `json:"stopped_at,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// LogBatch appends lines to one step's stream in order.
type LogBatch struct {
	Type      string   `json:"type"` // always "LogBatch"
	StepIndex int      `json:"step_index"`
	Lines     []string `json:"lines"`
}

// LogAck reports the numbering the orchestrator assigned to a batch.
type LogAck struct {
	Type      string `json:"type"` // always "LogAck"
	StepIndex int    `json:"step_index"`
	FirstLine int64  `json:"first_line"`
	Count     int    `json:"count"`
}
