// Package models defines the core domain models for the outbox queue and
// workflow execution engine.
package models

import "time"

// OutboxStatus represents the lifecycle state of an outbox item.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // Claimable now or at next_attempt_at
	OutboxStatusRunning   OutboxStatus = "running"   // Claimed, lease held by a worker
	OutboxStatusRetry     OutboxStatus = "retry"     // Failed transiently, claimable once due
	OutboxStatusCompleted OutboxStatus = "completed" // Terminal success
	OutboxStatusFailed    OutboxStatus = "failed"    // Terminal failure
)

// IsTerminal reports whether the status permits no further transitions.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusCompleted || s == OutboxStatusFailed
}

// IsClaimable reports whether a worker may claim an item in this status.
func (s OutboxStatus) IsClaimable() bool {
	return s == OutboxStatusPending || s == OutboxStatusRetry
}

// OutboxItem is the durable unit of work. It is created in the same
// transaction as the Event that produced it and mutated only by the worker
// holding a valid lease, or by the reaper after lease expiry. Terminal items
// are retained for audit, never deleted.
type OutboxItem struct {
	ID            string         `json:"id"`
	Status        OutboxStatus   `json:"status"`
	Kind          string         `json:"kind"` // e.g. "event.dispatch"
	Payload       map[string]any `json:"payload"`
	DedupeKey     *string        `json:"dedupe_key,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LeaseOwner    *string        `json:"lease_owner,omitempty"`
	LeaseExpires  *time.Time     `json:"lease_expires_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LeasedBy reports whether worker currently holds a live lease on the item.
func (i *OutboxItem) LeasedBy(workerID string, now time.Time) bool {
	if i.LeaseOwner == nil || i.LeaseExpires == nil {
		return false
	}

	return *i.LeaseOwner == workerID && i.LeaseExpires.After(now)
}
