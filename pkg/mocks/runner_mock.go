package mocks

import (
	"context"

	"github.com/brunori/outflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockExecutionRunner is a mock implementation of dispatcher.ExecutionRunner.
type MockExecutionRunner struct {
	mock.Mock
}

func (m *MockExecutionRunner) Run(ctx context.Context, execution *models.Execution, version *models.WorkflowVersion, event *models.Event) error {
	args := m.Called(ctx, execution, version, event)

	return args.Error(0)
}
