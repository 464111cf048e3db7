package actions_test

import (
	"log/slog"
	"testing"

	"github.com/brunori/outflow/pkg/actions"
	"github.com/brunori/outflow/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaults(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry(slog.Default())

	require.NoError(t, actions.RegisterDefaults(slog.Default(), reg))

	assert.True(t, reg.Has("http_request"))
	assert.True(t, reg.Has("log"))

	// Schemas are enforced on create.
	_, err := reg.Create("http_request", map[string]any{"method": "GET"})
	require.Error(t, err)

	executor, err := reg.Create("log", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.NotNil(t, executor)
}
