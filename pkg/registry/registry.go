// Package registry maps action types to step executor factories. Dispatch is
// a lookup table, not a type hierarchy: connectors register a factory under
// their action type and the engine resolves nodes through it.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/brunori/outflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.StepExecutorFactory
	schemas   map[string]*gojsonschema.Schema
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.StepExecutorFactory),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a factory under its action type, replacing any previous
// registration for the same type.
func (r *Registry) Register(factory protocol.StepExecutorFactory) {
	r.factories[factory.ID()] = factory
}

// RegisterWithSchema additionally attaches a JSON Schema validated against
// node configs before executor creation.
func (r *Registry) RegisterWithSchema(factory protocol.StepExecutorFactory, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid config schema for action type %q: %w", factory.ID(), err)
	}

	r.factories[factory.ID()] = factory
	r.schemas[factory.ID()] = schema

	return nil
}

// Has reports whether an action type is registered.
func (r *Registry) Has(actionType string) bool {
	_, exists := r.factories[actionType]

	return exists
}

// Types returns the registered action types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for actionType := range r.factories {
		types = append(types, actionType)
	}

	return types
}

// Create validates config and builds an executor for the action type.
// An unknown type is a permanent error: retrying cannot make a connector
// appear.
func (r *Registry) Create(actionType string, config map[string]any) (protocol.StepExecutor, error) {
	factory, exists := r.factories[actionType]
	if !exists {
		return nil, protocol.Permanent(fmt.Errorf("action type %q not registered", actionType))
	}

	err := r.ValidateConfig(actionType, config)
	if err != nil {
		return nil, err
	}

	executor, err := factory.Create(config)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("failed to create %q executor: %w", actionType, err))
	}

	return executor, nil
}

// ValidateConfig checks config against the registered schema, if any.
// Validation failures are permanent: the workflow definition is wrong.
func (r *Registry) ValidateConfig(actionType string, config map[string]any) error {
	schema, exists := r.schemas[actionType]
	if !exists {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return protocol.Permanent(fmt.Errorf("config validation for %q failed: %w", actionType, err))
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return protocol.Permanent(fmt.Errorf("invalid config for %q: %s", actionType, first.String()))
	}

	return nil
}
