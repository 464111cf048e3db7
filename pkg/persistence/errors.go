// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost indicates the caller no longer owns the item it tried to
	// report on. The result must be discarded; another worker or the reaper
	// has taken ownership.
	ErrLeaseLost = errors.New("lease lost")

	// ErrItemNotFound indicates an outbox item was not found by id.
	ErrItemNotFound = errors.New("outbox item not found")

	// ErrEventNotFound indicates an event was not found by id.
	ErrEventNotFound = errors.New("event not found")

	// ErrAutomationNotFound indicates an automation was not found by id.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrVersionNotFound indicates no workflow version matched.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrExecutionNotFound indicates an execution was not found by id.
	ErrExecutionNotFound = errors.New("execution not found")
)

// OutboxError wraps outbox operations with the item and worker involved.
type OutboxError struct {
	Op       string
	ItemID   string
	WorkerID string
	Err      error
}

func (e *OutboxError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("%s failed for item %s (worker %s): %v", e.Op, e.ItemID, e.WorkerID, e.Err)
	}

	return fmt.Sprintf("%s failed for item %s: %v", e.Op, e.ItemID, e.Err)
}

func (e *OutboxError) Unwrap() error {
	return e.Err
}

func (e *OutboxError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewOutboxError creates an outbox error with context.
func NewOutboxError(op, itemID, workerID string, err error) *OutboxError {
	return &OutboxError{Op: op, ItemID: itemID, WorkerID: workerID, Err: err}
}

// IsLeaseLost checks whether err indicates a stale-lease report.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}
