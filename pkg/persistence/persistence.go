// Package persistence provides the storage abstraction for the outbox queue,
// events, workflow definitions, and execution records.
package persistence

import (
	"context"
	"time"

	"github.com/brunori/outflow/pkg/models"
)

// OutboxStore is the durable work queue with exclusive claiming. All
// mutation after claim requires the caller to still hold the lease;
// reporting with a stale lease returns ErrLeaseLost and changes nothing.
type OutboxStore interface {
	// Enqueue creates a PENDING item. When the item carries a dedupe key
	// matching an existing non-terminal item, the existing item is returned
	// instead of creating a duplicate.
	Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error)

	// ClaimBatch atomically claims up to limit eligible items for workerID,
	// oldest-ready-first (ties broken by id). No two concurrent callers
	// receive the same item.
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*models.OutboxItem, error)

	// MarkSuccess completes the item. Requires a live lease.
	MarkSuccess(ctx context.Context, id, workerID string) error

	// MarkRetry increments the attempt count and schedules the next attempt;
	// when the budget is exhausted the item transitions to FAILED instead.
	// The error string must already be redacted. Requires a live lease.
	MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, itemErr string) error

	// MarkFailed terminally fails the item regardless of remaining budget.
	// Requires a live lease.
	MarkFailed(ctx context.Context, id, workerID string, itemErr string) error

	// ReapExpired returns RUNNING items whose lease expired at least
	// staleThreshold ago to RETRY, claimable after retryDelay. Returns the
	// number of items reaped.
	ReapExpired(ctx context.Context, staleThreshold, retryDelay time.Duration, maxBatch int) (int, error)

	// StaleCount reports how many items ReapExpired would currently reclaim.
	StaleCount(ctx context.Context, staleThreshold time.Duration) (int, error)

	ItemByID(ctx context.Context, id string) (*models.OutboxItem, error)
}

// EventRepository persists immutable events.
type EventRepository interface {
	// IngestEvent writes the event and its dispatch outbox item in one
	// transaction: both persist or neither does. Dedupe-key semantics of
	// OutboxStore.Enqueue apply to the item.
	IngestEvent(ctx context.Context, event *models.Event, item *models.OutboxItem) (*models.OutboxItem, error)

	EventByID(ctx context.Context, id string) (*models.Event, error)
}

// WorkflowRepository stores automations and their immutable published
// versions.
type WorkflowRepository interface {
	SaveAutomation(ctx context.Context, automation *models.Automation) error
	AutomationByID(ctx context.Context, id string) (*models.Automation, error)
	// ActiveAutomationsByEventType returns active automations whose trigger
	// event type matches.
	ActiveAutomationsByEventType(ctx context.Context, eventType string) ([]*models.Automation, error)

	// PublishVersion snapshots a graph as the next version of an automation.
	PublishVersion(ctx context.Context, version *models.WorkflowVersion) error
	VersionByID(ctx context.Context, id string) (*models.WorkflowVersion, error)
	// HeadVersion returns the latest published version for an automation.
	HeadVersion(ctx context.Context, automationID string) (*models.WorkflowVersion, error)
}

// ExecutionRepository stores execution records and their append-only step
// history.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *models.Execution) error
	SaveExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	ExecutionsByEventID(ctx context.Context, eventID string) ([]*models.Execution, error)

	// AppendStepRun records one attempt; rows are never mutated afterwards.
	AppendStepRun(ctx context.Context, stepRun *models.StepRun) error
	StepRuns(ctx context.Context, executionID string) ([]*models.StepRun, error)
}

// Persistence aggregates the repositories behind one lifecycle.
type Persistence interface {
	Outbox() OutboxStore
	Events() EventRepository
	Workflows() WorkflowRepository
	Executions() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
