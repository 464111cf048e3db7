package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	config map[string]any
}

func (m *mockExecutor) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"echo": input}, nil
}

type mockFactory struct {
	id        string
	createErr error
}

func (f *mockFactory) ID() string { return f.id }

func (f *mockFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}

	return &mockExecutor{config: config}, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := NewRegistry(logger)
	r.Register(&mockFactory{id: "log"})
	r.Register(&mockFactory{id: "http_request"})

	return r
}

func TestRegistryCreate(t *testing.T) {
	r := testRegistry(t)

	executor, err := r.Create("log", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.NotNil(t, executor)
}

func TestRegistryCreateUnknownTypeIsPermanent(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Create("slack", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsPermanent(err))
}

func TestRegistryCreateFactoryErrorIsPermanent(t *testing.T) {
	r := testRegistry(t)
	r.Register(&mockFactory{id: "broken", createErr: errors.New("bad wiring")})

	_, err := r.Create("broken", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsPermanent(err))
}

func TestRegisterWithSchemaValidatesConfig(t *testing.T) {
	r := testRegistry(t)

	err := r.RegisterWithSchema(&mockFactory{id: "notify"}, `{
		"type": "object",
		"required": ["channel"],
		"properties": {"channel": {"type": "string", "minLength": 1}}
	}`)
	require.NoError(t, err)

	_, err = r.Create("notify", map[string]any{"channel": "alerts"})
	assert.NoError(t, err)

	_, err = r.Create("notify", map[string]any{})
	require.Error(t, err)
	assert.True(t, protocol.IsPermanent(err))
}

func TestRegistryTypes(t *testing.T) {
	r := testRegistry(t)

	assert.ElementsMatch(t, []string{"log", "http_request"}, r.Types())
	assert.True(t, r.Has("log"))
	assert.False(t, r.Has("slack"))
}

func TestValidateGraph(t *testing.T) {
	r := testRegistry(t)

	valid := &models.Graph{Nodes: []*models.Node{
		{ID: "a", Type: "log", Next: []string{"b", "c"}},
		{ID: "b", Type: "http_request", Next: []string{"d"}},
		{ID: "c", Type: "log", Next: []string{"d"}},
		{ID: "d", Type: "log"},
	}}

	assert.NoError(t, r.ValidateGraph(valid))
}

func TestValidateGraphErrors(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name  string
		graph *models.Graph
		want  error
	}{
		{"empty", &models.Graph{}, ErrEmptyGraph},
		{
			"duplicate id",
			&models.Graph{Nodes: []*models.Node{
				{ID: "a", Type: "log"},
				{ID: "a", Type: "log"},
			}},
			ErrDuplicateNode,
		},
		{
			"unknown action",
			&models.Graph{Nodes: []*models.Node{{ID: "a", Type: "slack"}}},
			ErrUnknownAction,
		},
		{
			"dangling next",
			&models.Graph{Nodes: []*models.Node{{ID: "a", Type: "log", Next: []string{"ghost"}}}},
			ErrUnknownTarget,
		},
		{
			"cycle",
			&models.Graph{Nodes: []*models.Node{
				{ID: "a", Type: "log", Next: []string{"b"}},
				{ID: "b", Type: "log", Next: []string{"c"}},
				{ID: "c", Type: "log", Next: []string{"b"}},
			}},
			ErrGraphHasCycle,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, r.ValidateGraph(tc.graph), tc.want)
		})
	}
}

func TestValidateGraphJSON(t *testing.T) {
	valid := []byte(`{"nodes":[{"id":"a","type":"log","config":{},"next":["b"]},{"id":"b","type":"log"}],"edges":[]}`)
	assert.NoError(t, ValidateGraphJSON(valid))

	missingType := []byte(`{"nodes":[{"id":"a"}]}`)
	assert.ErrorIs(t, ValidateGraphJSON(missingType), ErrInvalidGraphJS)

	notAnObject := []byte(`[1,2,3]`)
	assert.ErrorIs(t, ValidateGraphJSON(notAnObject), ErrInvalidGraphJS)
}
