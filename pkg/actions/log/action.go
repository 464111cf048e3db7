// Package log provides the log step executor. It has no external side
// effect, which makes it the usual first node while wiring a new automation.
package log

import (
	"context"
	"log/slog"

	"github.com/brunori/outflow/pkg/protocol"
)

type Executor struct {
	logger  *slog.Logger
	message string
	level   slog.Level
}

func NewExecutor(logger *slog.Logger, config map[string]any) *Executor {
	message, _ := config["message"].(string)

	level := slog.LevelInfo
	if raw, ok := config["level"].(string); ok {
		switch raw {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	return &Executor{
		logger:  logger.With("action_type", "log"),
		message: message,
		level:   level,
	}
}

func (e *Executor) Execute(ctx context.Context, _ map[string]any) (map[string]any, error) {
	e.logger.Log(ctx, e.level, e.message)

	return map[string]any{"message": e.message, "level": e.level.String()}, nil
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger}
}

type Factory struct {
	logger *slog.Logger
}

func (*Factory) ID() string {
	return "log"
}

func (f *Factory) Create(config map[string]any) (protocol.StepExecutor, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewExecutor(f.logger, config), nil
}

// Schema returns the JSON Schema validated against node configs before an
// executor is created.
func (*Factory) Schema() string {
	return `{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "Message to log. Supports templating against the execution context."
			},
			"level": {
				"type": "string",
				"enum": ["debug", "info", "warn", "warning", "error"],
				"default": "info"
			}
		},
		"required": ["message"]
	}`
}
