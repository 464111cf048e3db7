// Package cmd provides shared initialization for the outflow binaries.
package cmd

import (
	"log/slog"

	"github.com/brunori/outflow/pkg/actions"
	"github.com/brunori/outflow/pkg/registry"
)

// NewRegistry builds an executor registry with the built-in actions
// registered.
func NewRegistry(logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	err := actions.RegisterDefaults(logger, reg)
	if err != nil {
		return nil, err
	}

	return reg, nil
}
