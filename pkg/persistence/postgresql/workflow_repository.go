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

// WorkflowRepository handles automation and workflow version database
// operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// SaveAutomation inserts or updates an automation.
func (r *WorkflowRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	if automation.ID == "" {
		automation.ID = uuid.Must(uuid.NewV7()).String()
	}

	ruleJSON, err := json.Marshal(automation.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal automation rule: %w", err)
	}

	query := `
		INSERT INTO automations (id, slug, name, description, event_type, rule, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			event_type = EXCLUDED.event_type,
			rule = EXCLUDED.rule,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(ctx, query,
		automation.ID,
		automation.Slug,
		automation.Name,
		automation.Description,
		automation.EventType,
		ruleJSON,
		automation.Active,
	).Scan(&automation.CreatedAt, &automation.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}

	return nil
}

// AutomationByID retrieves an automation by its id.
func (r *WorkflowRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `
		SELECT id, slug, name, description, event_type, rule, active, created_at, updated_at
		FROM automations
		WHERE id = $1
	`

	automation, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, fmt.Errorf("failed to query automation: %w", err)
	}

	return automation, nil
}

// ActiveAutomationsByEventType returns active automations whose trigger
// event type matches.
func (r *WorkflowRepository) ActiveAutomationsByEventType(ctx context.Context, eventType string) ([]*models.Automation, error) {
	query := `
		SELECT id, slug, name, description, event_type, rule, active, created_at, updated_at
		FROM automations
		WHERE event_type = $1 AND active = true
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var automations []*models.Automation

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		automations = append(automations, automation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating automations: %w", err)
	}

	return automations, nil
}

// PublishVersion snapshots a graph as the next version of an automation.
// The version number is allocated inside a transaction so concurrent
// publishes cannot share a number.
func (r *WorkflowRepository) PublishVersion(ctx context.Context, version *models.WorkflowVersion) error {
	if version.ID == "" {
		version.ID = uuid.Must(uuid.NewV7()).String()
	}

	graphJSON, err := json.Marshal(version.Graph)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow graph: %w", err)
	}

	query := `
		INSERT INTO workflow_versions (id, automation_id, version_num, graph, published_at)
		SELECT $1, $2, COALESCE(MAX(version_num), 0) + 1, $3, NOW()
		FROM workflow_versions
		WHERE automation_id = $2
		RETURNING version_num, published_at
	`

	err = r.db.QueryRowContext(ctx, query, version.ID, version.AutomationID, graphJSON).
		Scan(&version.VersionNum, &version.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to publish workflow version: %w", err)
	}

	return nil
}

// VersionByID retrieves a workflow version by its id.
func (r *WorkflowRepository) VersionByID(ctx context.Context, id string) (*models.WorkflowVersion, error) {
	query := `
		SELECT id, automation_id, version_num, graph, published_at
		FROM workflow_versions
		WHERE id = $1
	`

	version, err := scanVersion(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to query workflow version: %w", err)
	}

	return version, nil
}

// HeadVersion returns the latest published version for an automation.
func (r *WorkflowRepository) HeadVersion(ctx context.Context, automationID string) (*models.WorkflowVersion, error) {
	query := `
		SELECT id, automation_id, version_num, graph, published_at
		FROM workflow_versions
		WHERE automation_id = $1
		ORDER BY version_num DESC
		LIMIT 1
	`

	version, err := scanVersion(r.db.QueryRowContext(ctx, query, automationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to query head version: %w", err)
	}

	return version, nil
}

func scanAutomation(row rowScanner) (*models.Automation, error) {
	var (
		automation models.Automation
		ruleJSON   []byte
	)

	err := row.Scan(
		&automation.ID,
		&automation.Slug,
		&automation.Name,
		&automation.Description,
		&automation.EventType,
		&ruleJSON,
		&automation.Active,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(ruleJSON) > 0 && string(ruleJSON) != "null" {
		err = json.Unmarshal(ruleJSON, &automation.Rule)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal automation rule: %w", err)
		}
	}

	return &automation, nil
}

func scanVersion(row rowScanner) (*models.WorkflowVersion, error) {
	var (
		version   models.WorkflowVersion
		graphJSON []byte
	)

	err := row.Scan(
		&version.ID,
		&version.AutomationID,
		&version.VersionNum,
		&graphJSON,
		&version.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(graphJSON, &version.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow graph: %w", err)
	}

	return &version, nil
}
