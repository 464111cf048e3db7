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

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

// ExecutionRepository handles execution and step run database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// CreateExecution inserts a new execution row.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, execution *models.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.Must(uuid.NewV7()).String()
	}

	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	query := `
		INSERT INTO executions (id, workflow_version_id, automation_id, event_id, trace_id, status, context, error_summary, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING started_at
	`

	var startedAt any
	if !execution.StartedAt.IsZero() {
		startedAt = execution.StartedAt
	}

	err = r.db.QueryRowContext(ctx, query,
		execution.ID,
		execution.WorkflowVersionID,
		execution.AutomationID,
		execution.EventID,
		execution.TraceID,
		execution.Status,
		contextJSON,
		execution.ErrorSummary,
		startedAt,
	).Scan(&execution.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

// SaveExecution updates an existing execution row.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, execution *models.Execution) error {
	contextJSON, err := json.Marshal(execution.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $2, context = $3, error_summary = $4, finished_at = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID, execution.Status, contextJSON, execution.ErrorSummary, execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated executions: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

// ExecutionByID retrieves an execution by its id.
func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	query := executionSelect + ` WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	return execution, nil
}

// ExecutionsByEventID returns all executions spawned by one event.
func (r *ExecutionRepository) ExecutionsByEventID(ctx context.Context, eventID string) ([]*models.Execution, error) {
	query := executionSelect + ` WHERE event_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// AppendStepRun records one step attempt. Rows are insert-only.
func (r *ExecutionRepository) AppendStepRun(ctx context.Context, stepRun *models.StepRun) error {
	if stepRun.ID == "" {
		stepRun.ID = uuid.Must(uuid.NewV7()).String()
	}

	inputJSON, err := json.Marshal(stepRun.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal step input: %w", err)
	}

	var outputJSON any

	if stepRun.Output != nil {
		raw, err := json.Marshal(stepRun.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal step output: %w", err)
		}

		outputJSON = raw
	}

	query := `
		INSERT INTO step_runs (id, execution_id, node_id, attempt, status, input, output, error, duration_ms, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11)
	`

	var startedAt any
	if !stepRun.StartedAt.IsZero() {
		startedAt = stepRun.StartedAt
	}

	_, err = r.db.ExecContext(ctx, query,
		stepRun.ID,
		stepRun.ExecutionID,
		stepRun.NodeID,
		stepRun.Attempt,
		stepRun.Status,
		inputJSON,
		outputJSON,
		stepRun.Error,
		stepRun.Duration.Milliseconds(),
		startedAt,
		stepRun.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step run: %w", err)
	}

	return nil
}

// StepRuns returns the full attempt history of an execution in order.
func (r *ExecutionRepository) StepRuns(ctx context.Context, executionID string) ([]*models.StepRun, error) {
	query := `
		SELECT id, execution_id, node_id, attempt, status, input, output, error, duration_ms, started_at, finished_at
		FROM step_runs
		WHERE execution_id = $1
		ORDER BY started_at, attempt, id
	`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var stepRuns []*models.StepRun

	for rows.Next() {
		stepRun, err := scanStepRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}

		stepRuns = append(stepRuns, stepRun)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step runs: %w", err)
	}

	return stepRuns, nil
}

const executionSelect = `
	SELECT id, workflow_version_id, automation_id, event_id, trace_id, status, context, error_summary, started_at, finished_at
	FROM executions
`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution   models.Execution
		contextJSON []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowVersionID,
		&execution.AutomationID,
		&execution.EventID,
		&execution.TraceID,
		&execution.Status,
		&contextJSON,
		&execution.ErrorSummary,
		&execution.StartedAt,
		&execution.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(contextJSON) > 0 {
		err = json.Unmarshal(contextJSON, &execution.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
		}
	}

	return &execution, nil
}

func scanStepRun(row rowScanner) (*models.StepRun, error) {
	var (
		stepRun    models.StepRun
		inputJSON  []byte
		outputJSON []byte
		durationMS int64
	)

	err := row.Scan(
		&stepRun.ID,
		&stepRun.ExecutionID,
		&stepRun.NodeID,
		&stepRun.Attempt,
		&stepRun.Status,
		&inputJSON,
		&outputJSON,
		&stepRun.Error,
		&durationMS,
		&stepRun.StartedAt,
		&stepRun.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	stepRun.Duration = time.Duration(durationMS) * time.Millisecond

	if len(inputJSON) > 0 {
		err = json.Unmarshal(inputJSON, &stepRun.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step input: %w", err)
		}
	}

	if len(outputJSON) > 0 {
		err = json.Unmarshal(outputJSON, &stepRun.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
	}

	return &stepRun, nil
}
