package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

const uniqueViolation = "23505"

// querier is satisfied by *sql.DB and *sql.Tx so the outbox insert can run
// inside the event ingestion transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const outboxColumns = `id, status, kind, payload, dedupe_key, attempt_count, max_attempts,
	next_attempt_at, lease_owner, lease_expires_at, last_error, created_at, updated_at`

// OutboxRepository handles outbox item database operations.
type OutboxRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *sql.DB, logger *slog.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// Enqueue inserts a pending item. When the dedupe key collides with an
// existing non-terminal item, that item is returned instead.
func (r *OutboxRepository) Enqueue(ctx context.Context, item *models.OutboxItem) (*models.OutboxItem, error) {
	return r.enqueue(ctx, r.db, item)
}

func (r *OutboxRepository) enqueue(ctx context.Context, q querier, item *models.OutboxItem) (*models.OutboxItem, error) {
	if item.DedupeKey != nil {
		existing, err := r.activeByDedupeKey(ctx, q, *item.DedupeKey)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			return existing, nil
		}
	}

	id := item.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	var nextAttemptAt any
	if !item.NextAttemptAt.IsZero() {
		nextAttemptAt = item.NextAttemptAt
	}

	query := `
		INSERT INTO outbox_items (id, status, kind, payload, dedupe_key, max_attempts, next_attempt_at)
		VALUES ($1, 'pending', $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING ` + outboxColumns

	stored, err := scanOutboxItem(q.QueryRowContext(ctx, query, id, item.Kind, payloadJSON, item.DedupeKey, maxAttempts, nextAttemptAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && item.DedupeKey != nil {
			// Lost the race to a concurrent enqueue with the same key.
			existing, selectErr := r.activeByDedupeKey(ctx, q, *item.DedupeKey)
			if selectErr != nil {
				return nil, selectErr
			}

			if existing != nil {
				return existing, nil
			}
		}

		return nil, fmt.Errorf("failed to insert outbox item: %w", err)
	}

	return stored, nil
}

func (r *OutboxRepository) activeByDedupeKey(ctx context.Context, q querier, key string) (*models.OutboxItem, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_items
		WHERE dedupe_key = $1 AND status IN ('pending', 'running', 'retry')
	`

	item, err := scanOutboxItem(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query outbox item by dedupe key: %w", err)
	}

	return item, nil
}

// ClaimBatch atomically claims up to limit eligible items for workerID.
// SKIP LOCKED keeps concurrent claimers from blocking on or double-claiming
// the same rows.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*models.OutboxItem, error) {
	query := `
		UPDATE outbox_items
		SET status = 'running',
			lease_owner = $1,
			lease_expires_at = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM outbox_items
			WHERE status IN ('pending', 'retry') AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.db.QueryContext(ctx, query, workerID, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox items: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var items []*models.OutboxItem

	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed item: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed items: %w", err)
	}

	return items, nil
}

// MarkSuccess completes the item when workerID still holds the lease.
func (r *OutboxRepository) MarkSuccess(ctx context.Context, id, workerID string) error {
	query := `
		UPDATE outbox_items
		SET status = 'completed',
			lease_owner = NULL,
			lease_expires_at = NULL,
			last_error = '',
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2 AND lease_expires_at > NOW()
	`

	return r.leaseGuardedExec(ctx, "mark success", id, workerID, query, id, workerID)
}

// MarkRetry increments the attempt count and schedules the next attempt, or
// transitions to failed when the budget is exhausted.
func (r *OutboxRepository) MarkRetry(ctx context.Context, id, workerID string, nextAttemptAt time.Time, itemErr string) error {
	query := `
		UPDATE outbox_items
		SET status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'retry' END,
			next_attempt_at = CASE WHEN attempt_count + 1 >= max_attempts THEN next_attempt_at ELSE $3 END,
			attempt_count = attempt_count + 1,
			last_error = $4,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2 AND lease_expires_at > NOW()
	`

	return r.leaseGuardedExec(ctx, "mark retry", id, workerID, query, id, workerID, nextAttemptAt, itemErr)
}

// MarkFailed terminally fails the item regardless of the remaining budget.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, workerID string, itemErr string) error {
	query := `
		UPDATE outbox_items
		SET status = 'failed',
			attempt_count = attempt_count + 1,
			last_error = $3,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2 AND lease_expires_at > NOW()
	`

	return r.leaseGuardedExec(ctx, "mark failed", id, workerID, query, id, workerID, itemErr)
}

func (r *OutboxRepository) leaseGuardedExec(ctx context.Context, op, id, workerID, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewOutboxError(op, id, workerID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewOutboxError(op, id, workerID, err)
	}

	if affected == 0 {
		var exists bool

		err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM outbox_items WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return persistence.NewOutboxError(op, id, workerID, err)
		}

		if !exists {
			return persistence.NewOutboxError(op, id, workerID, persistence.ErrItemNotFound)
		}

		return persistence.NewOutboxError(op, id, workerID, persistence.ErrLeaseLost)
	}

	return nil
}

// ReapExpired returns stale running items to retry. The attempt count is not
// touched; a crashed worker does not consume the item's budget.
func (r *OutboxRepository) ReapExpired(ctx context.Context, staleThreshold, retryDelay time.Duration, maxBatch int) (int, error) {
	query := `
		UPDATE outbox_items
		SET status = 'retry',
			lease_owner = NULL,
			lease_expires_at = NULL,
			next_attempt_at = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id IN (
			SELECT id
			FROM outbox_items
			WHERE status = 'running' AND lease_expires_at < NOW() - make_interval(secs => $1)
			ORDER BY lease_expires_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`

	result, err := r.db.ExecContext(ctx, query, staleThreshold.Seconds(), retryDelay.Seconds(), maxBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired items: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reaped items: %w", err)
	}

	return int(affected), nil
}

// StaleCount reports how many items ReapExpired would currently reclaim.
func (r *OutboxRepository) StaleCount(ctx context.Context, staleThreshold time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM outbox_items
		WHERE status = 'running' AND lease_expires_at < NOW() - make_interval(secs => $1)
	`

	var count int

	err := r.db.QueryRowContext(ctx, query, staleThreshold.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale items: %w", err)
	}

	return count, nil
}

// ItemByID retrieves an outbox item by its id.
func (r *OutboxRepository) ItemByID(ctx context.Context, id string) (*models.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_items WHERE id = $1`

	item, err := scanOutboxItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrItemNotFound
		}

		return nil, fmt.Errorf("failed to query outbox item: %w", err)
	}

	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxItem(row rowScanner) (*models.OutboxItem, error) {
	var (
		item        models.OutboxItem
		payloadJSON []byte
	)

	err := row.Scan(
		&item.ID,
		&item.Status,
		&item.Kind,
		&payloadJSON,
		&item.DedupeKey,
		&item.AttemptCount,
		&item.MaxAttempts,
		&item.NextAttemptAt,
		&item.LeaseOwner,
		&item.LeaseExpires,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payloadJSON) > 0 {
		err = json.Unmarshal(payloadJSON, &item.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox payload: %w", err)
		}
	}

	return &item, nil
}
