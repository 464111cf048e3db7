// Package actions wires the built-in step executors into a registry.
package actions

import (
	"log/slog"

	"github.com/brunori/outflow/pkg/actions/httprequest"
	logaction "github.com/brunori/outflow/pkg/actions/log"
	"github.com/brunori/outflow/pkg/registry"
)

// RegisterDefaults registers the built-in executors with their config
// schemas. Connectors living outside this module register themselves the
// same way.
func RegisterDefaults(logger *slog.Logger, reg *registry.Registry) error {
	httpFactory := httprequest.NewFactory()
	if err := reg.RegisterWithSchema(httpFactory, httpFactory.Schema()); err != nil {
		return err
	}

	logFactory := logaction.NewFactory(logger)

	return reg.RegisterWithSchema(logFactory, logFactory.Schema())
}
