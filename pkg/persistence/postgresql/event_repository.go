package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

// EventRepository handles event database operations.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
	outbox *OutboxRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger, outbox *OutboxRepository) *EventRepository {
	return &EventRepository{db: db, logger: logger, outbox: outbox}
}

// IngestEvent writes the event and its dispatch outbox item in one
// transaction. A failure rolls both back; no event exists without its item
// and no item without its event.
func (r *EventRepository) IngestEvent(ctx context.Context, event *models.Event, item *models.OutboxItem) (*models.OutboxItem, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ingestion transaction: %w", err)
	}

	stored, err := r.ingestInTx(ctx, transaction, event, item)
	if err != nil {
		_ = transaction.Rollback()

		return nil, err
	}

	err = transaction.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit ingestion transaction: %w", err)
	}

	return stored, nil
}

func (r *EventRepository) ingestInTx(ctx context.Context, transaction *sql.Tx, event *models.Event, item *models.OutboxItem) (*models.OutboxItem, error) {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO events (id, type, source, payload, trace_id, received_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING received_at
	`

	var receivedAt any
	if !event.ReceivedAt.IsZero() {
		receivedAt = event.ReceivedAt
	}

	err = transaction.QueryRowContext(ctx, query,
		event.ID, event.Type, event.Source, payloadJSON, event.TraceID, receivedAt,
	).Scan(&event.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	queued := *item
	if queued.Payload == nil {
		queued.Payload = make(map[string]any)
	}

	queued.Payload["event_id"] = event.ID

	stored, err := r.outbox.enqueue(ctx, transaction, &queued)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue dispatch item: %w", err)
	}

	return stored, nil
}

// EventByID retrieves an event by its id.
func (r *EventRepository) EventByID(ctx context.Context, id string) (*models.Event, error) {
	query := `
		SELECT id, type, source, payload, trace_id, received_at
		FROM events
		WHERE id = $1
	`

	var (
		event       models.Event
		payloadJSON []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&event.ID, &event.Type, &event.Source, &payloadJSON, &event.TraceID, &event.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEventNotFound
		}

		return nil, fmt.Errorf("failed to query event: %w", err)
	}

	if len(payloadJSON) > 0 {
		err = json.Unmarshal(payloadJSON, &event.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}

	return &event, nil
}
