// Package protocol defines the boundary contracts the engine depends on:
// step executors, template rendering, and secret resolution.
package protocol

import "context"

// StepExecutor performs one side effect for a workflow node. Implementations
// must be safe to invoke more than once with the same logical input; the
// engine guarantees at-least-once, not exactly-once, invocation.
type StepExecutor interface {
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)
}

// StepExecutorFactory builds an executor for a node from its resolved config.
type StepExecutorFactory interface {
	Create(config map[string]any) (StepExecutor, error)
	ID() string
}
