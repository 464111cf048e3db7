// Package ingest accepts external events and enqueues their dispatch. The
// event record and the outbox item are written in the same transaction, so
// an accepted event is always eventually dispatched and a rejected one
// leaves no trace.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

// Ingestor validates and persists incoming events.
type Ingestor struct {
	logger      *slog.Logger
	persist     persistence.Persistence
	validate    *validator.Validate
	maxAttempts int
}

// NewIngestor creates an ingestor. maxAttempts is the outbox budget given
// to each dispatch item.
func NewIngestor(logger *slog.Logger, persist persistence.Persistence, maxAttempts int) *Ingestor {
	return &Ingestor{
		logger:      logger.With("module", "ingest"),
		persist:     persist,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxAttempts: maxAttempts,
	}
}

// Ingest stores event and its dispatch item. When dedupeKey is non-empty
// and an active item already carries it, the event is stored but the
// existing item is returned; the duplicate dispatch collapses into one.
func (i *Ingestor) Ingest(ctx context.Context, event *models.Event, dedupeKey string) (*models.OutboxItem, error) {
	err := i.validate.Struct(event)
	if err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}

	if event.TraceID == "" {
		event.TraceID = uuid.Must(uuid.NewV7()).String()
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	item := &models.OutboxItem{
		Kind:        "event.dispatch",
		Payload:     map[string]any{},
		MaxAttempts: i.maxAttempts,
	}

	if dedupeKey != "" {
		item.DedupeKey = &dedupeKey
	}

	stored, err := i.persist.Events().IngestEvent(ctx, event, item)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest event: %w", err)
	}

	i.logger.Info("Event ingested",
		"event_id", event.ID,
		"event_type", event.Type,
		"source", event.Source,
		"item_id", stored.ID,
	)

	return stored, nil
}

// ContentKey derives a dedupe key from the event type and payload, for
// sources that cannot supply an idempotency key of their own. Two
// submissions with identical content collapse into one dispatch while the
// first is still in flight.
func ContentKey(eventType string, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash event payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(raw)

	return hex.EncodeToString(h.Sum(nil)), nil
}
