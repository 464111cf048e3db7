// Package postgresql provides the PostgreSQL persistence implementation for
// the outbox queue, events, workflows, and executions.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/brunori/outflow/pkg/persistence"
	"github.com/brunori/outflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	outboxRepo    *OutboxRepository
	eventRepo     *EventRepository
	workflowRepo  *WorkflowRepository
	executionRepo *ExecutionRepository
}

// NewPersistence opens the database, runs migrations, and wires the
// repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	outboxRepo := NewOutboxRepository(database, logger)

	return &Persistence{
		db:            database,
		logger:        logger,
		outboxRepo:    outboxRepo,
		eventRepo:     NewEventRepository(database, logger, outboxRepo),
		workflowRepo:  NewWorkflowRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
	}, nil
}

func (p *Persistence) Outbox() persistence.OutboxStore             { return p.outboxRepo }
func (p *Persistence) Events() persistence.EventRepository         { return p.eventRepo }
func (p *Persistence) Workflows() persistence.WorkflowRepository   { return p.workflowRepo }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executionRepo }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
