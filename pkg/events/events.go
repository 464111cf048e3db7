// Package events defines the lifecycle notifications published on the event
// bus. Observers subscribe to these instead of hooking into the engine, so
// a failing observer can never fail an execution.
package events

import (
	"time"

	"github.com/brunori/outflow/pkg/models"
)

type EventType string

// Topic is the bus topic all lifecycle events are published on.
const Topic = "outflow.lifecycle"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"

	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"

	ItemExhaustedEvent EventType = "outbox.item.exhausted"
	ItemsReapedEvent   EventType = "outbox.items.reaped"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExecutionStarted is published when the engine begins walking a workflow
// version for an event.
type ExecutionStarted struct {
	BaseEvent

	ExecutionID       string `json:"execution_id"`
	AutomationID      string `json:"automation_id"`
	WorkflowVersionID string `json:"workflow_version_id"`
	EventID           string `json:"event_id"`
	TraceID           string `json:"trace_id,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionCompleted is published when every reachable node succeeded.
type ExecutionCompleted struct {
	BaseEvent

	ExecutionID  string        `json:"execution_id"`
	AutomationID string        `json:"automation_id"`
	Duration     time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// ExecutionFailed is published when a node exhausted its retries or failed
// permanently. The error is already redacted.
type ExecutionFailed struct {
	BaseEvent

	ExecutionID  string        `json:"execution_id"`
	AutomationID string        `json:"automation_id"`
	NodeID       string        `json:"node_id"`
	Error        string        `json:"error"`
	Duration     time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// StepCompleted is published after each successful node attempt.
type StepCompleted struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Attempt     int               `json:"attempt"`
	Status      models.StepStatus `json:"status"`
	DurationMs  int64             `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

// StepFailed is published after each failed node attempt, including the
// attempts that will be retried.
type StepFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
	WillRetry   bool   `json:"will_retry"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

// ItemExhausted is published when an outbox item transitions to its
// terminal failed state.
type ItemExhausted struct {
	BaseEvent

	ItemID       string `json:"item_id"`
	Kind         string `json:"kind"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
}

func (e ItemExhausted) GetType() EventType {
	return ItemExhaustedEvent
}

// ItemsReaped is published after each reaper pass that reclaimed items.
type ItemsReaped struct {
	BaseEvent

	Count  int  `json:"count"`
	DryRun bool `json:"dry_run"`
}

func (e ItemsReaped) GetType() EventType {
	return ItemsReapedEvent
}
