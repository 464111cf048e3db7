package models

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed
}

// Execution is one run of a workflow version for one event. It is mutated
// only by the engine goroutine that owns it; replays create a new Execution.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowVersionID string          `json:"workflow_version_id"`
	AutomationID      string          `json:"automation_id"`
	EventID           string          `json:"event_id"`
	TraceID           string          `json:"trace_id"`
	Status            ExecutionStatus `json:"status"`
	// Context accumulates variable bindings; step outputs land under
	// steps.<node_id>.output.
	Context      map[string]any `json:"context"`
	ErrorSummary string         `json:"error_summary,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// StepStatus represents the per-attempt state of a node execution.
type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

// StepRun records one attempt of one node. Rows are append-only: a step
// retry creates a new attempt record rather than mutating the previous one,
// preserving the full history for audit and replay.
type StepRun struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Attempt     int            `json:"attempt"`
	Status      StepStatus     `json:"status"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}
