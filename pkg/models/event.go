package models

import "time"

// Event is the immutable record of an external occurrence. It is written
// once at ingestion, in the same transaction as the outbox item that
// schedules its dispatch, and referenced by id afterwards.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"   validate:"required"` // e.g. "order.created"
	Source     string         `json:"source" validate:"required"` // "webhook", "schedule", "admin"
	Payload    map[string]any `json:"payload"`
	TraceID    string         `json:"trace_id"`
	ReceivedAt time.Time      `json:"received_at"`
}
