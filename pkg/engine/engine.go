// Package engine walks workflow graphs and executes their nodes. It owns
// per-step retries, timeouts, context accumulation, idempotent replay of
// already-performed side effects, and the redaction of everything it
// persists or publishes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brunori/outflow/pkg/backoff"
	"github.com/brunori/outflow/pkg/eventbus"
	"github.com/brunori/outflow/pkg/events"
	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
	"github.com/brunori/outflow/pkg/protocol"
	"github.com/brunori/outflow/pkg/redact"
	"github.com/brunori/outflow/pkg/registry"
	"github.com/brunori/outflow/pkg/secrets"
	"github.com/brunori/outflow/pkg/sideeffect"
	"github.com/brunori/outflow/pkg/template"
)

// Config wires the engine's collaborators.
type Config struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Persistence persistence.Persistence
	Secrets     protocol.SecretResolver
	Redactor    *redact.Redactor
	Effects     sideeffect.Store
	EventBus    eventbus.EventPublisher

	WorkerID       string
	StepTimeout    time.Duration
	StepMaxRetries int
	Backoff        backoff.Policy
}

// Engine executes one workflow version per Run call. Fan-out branches run
// sequentially in node-id order; a node with several predecessors runs once
// all of them have succeeded.
type Engine struct {
	logger   *slog.Logger
	registry *registry.Registry
	persist  persistence.Persistence
	renderer *template.Renderer
	secrets  protocol.SecretResolver
	redactor *redact.Redactor
	effects  sideeffect.Store
	bus      eventbus.EventPublisher

	workerID       string
	stepTimeout    time.Duration
	stepMaxRetries int
	backoff        backoff.Policy

	// sleep waits between step retries; swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. Effects and EventBus may be nil, disabling
// side-effect replay and lifecycle publication respectively.
func NewEngine(cfg Config) *Engine {
	if cfg.Redactor == nil {
		cfg.Redactor = redact.NewRedactor()
	}

	if cfg.Secrets == nil {
		cfg.Secrets = secrets.NewEnvResolver(cfg.Redactor)
	}

	return &Engine{
		logger:         cfg.Logger.With("module", "engine"),
		registry:       cfg.Registry,
		persist:        cfg.Persistence,
		renderer:       template.NewRenderer(),
		secrets:        cfg.Secrets,
		redactor:       cfg.Redactor,
		effects:        cfg.Effects,
		bus:            cfg.EventBus,
		workerID:       cfg.WorkerID,
		stepTimeout:    cfg.StepTimeout,
		stepMaxRetries: cfg.StepMaxRetries,
		backoff:        cfg.Backoff,
		sleep:          sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes version's graph for event, mutating execution as it goes.
// The returned error carries a protocol error class: permanent means the
// execution can never succeed and the outbox item should be dead-lettered,
// transient means a re-delivery may finish the remaining nodes.
func (e *Engine) Run(ctx context.Context, execution *models.Execution, version *models.WorkflowVersion, event *models.Event) error {
	graph := &version.Graph

	err := e.registry.ValidateGraph(graph)
	if err != nil {
		return e.failExecution(ctx, execution, "", protocol.Permanent(fmt.Errorf("invalid workflow graph: %w", err)))
	}

	e.bindContext(execution, event)

	execution.Status = models.ExecutionStatusRunning

	err = e.persist.Executions().SaveExecution(ctx, execution)
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to save execution: %w", err))
	}

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:         e.baseEvent(events.ExecutionStartedEvent),
		ExecutionID:       execution.ID,
		AutomationID:      execution.AutomationID,
		WorkflowVersionID: version.ID,
		EventID:           execution.EventID,
		TraceID:           execution.TraceID,
	})

	started := time.Now()

	err = e.walk(ctx, execution, graph)
	if err != nil {
		var stepErr *stepError

		nodeID := ""
		if errors.As(err, &stepErr) {
			nodeID = stepErr.nodeID
		}

		e.publish(ctx, execution.ID, events.ExecutionFailed{
			BaseEvent:    e.baseEvent(events.ExecutionFailedEvent),
			ExecutionID:  execution.ID,
			AutomationID: execution.AutomationID,
			NodeID:       nodeID,
			Error:        e.redactor.Error(err),
			Duration:     time.Since(started),
		})

		return e.failExecution(ctx, execution, nodeID, err)
	}

	now := time.Now()
	execution.Status = models.ExecutionStatusSuccess
	execution.FinishedAt = &now

	err = e.saveRedacted(ctx, execution)
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to save execution: %w", err))
	}

	e.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent:    e.baseEvent(events.ExecutionCompletedEvent),
		ExecutionID:  execution.ID,
		AutomationID: execution.AutomationID,
		Duration:     time.Since(started),
	})

	return nil
}

// bindContext seeds the execution context with the event binding and an
// empty steps map.
func (e *Engine) bindContext(execution *models.Execution, event *models.Event) {
	if execution.Context == nil {
		execution.Context = make(map[string]any)
	}

	execution.Context["event"] = map[string]any{
		"id":       event.ID,
		"type":     event.Type,
		"source":   event.Source,
		"payload":  event.Payload,
		"trace_id": event.TraceID,
	}

	if _, ok := execution.Context["steps"].(map[string]any); !ok {
		execution.Context["steps"] = make(map[string]any)
	}
}

// walk runs every node reachable from the entry nodes. Execution order is
// deterministic: among the nodes whose predecessors have all succeeded, the
// lowest node id runs first.
func (e *Engine) walk(ctx context.Context, execution *models.Execution, graph *models.Graph) error {
	reachable := reachableSet(graph)
	done := doneSteps(execution)

	for {
		node := nextReady(graph, reachable, done)
		if node == nil {
			return nil
		}

		err := e.runStep(ctx, execution, node)
		if err != nil {
			return err
		}

		done[node.ID] = true
	}
}

func reachableSet(graph *models.Graph) map[string]bool {
	reachable := make(map[string]bool)
	queue := make([]string, 0, len(graph.Nodes))

	for _, node := range graph.EntryNodes() {
		queue = append(queue, node.ID)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if reachable[id] {
			continue
		}

		reachable[id] = true

		if node := graph.NodeByID(id); node != nil {
			queue = append(queue, node.Next...)
		}
	}

	return reachable
}

// doneSteps rebuilds the completed-node set from the execution context, so
// a re-delivered item resumes a partially finished execution instead of
// restarting it.
func doneSteps(execution *models.Execution) map[string]bool {
	done := make(map[string]bool)

	steps, ok := execution.Context["steps"].(map[string]any)
	if !ok {
		return done
	}

	for nodeID := range steps {
		done[nodeID] = true
	}

	return done
}

func nextReady(graph *models.Graph, reachable, done map[string]bool) *models.Node {
	var candidates []*models.Node

	for _, node := range graph.Nodes {
		if !reachable[node.ID] || done[node.ID] {
			continue
		}

		ready := true

		for _, pred := range graph.Predecessors(node.ID) {
			if reachable[pred] && !done[pred] {
				ready = false

				break
			}
		}

		if ready {
			candidates = append(candidates, node)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	return candidates[0]
}

// stepError carries the failing node id up to Run.
type stepError struct {
	nodeID string
	err    error
}

func (s *stepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", s.nodeID, s.err)
}

func (s *stepError) Unwrap() error {
	return s.err
}

// runStep executes one node with its retry budget. Attempts are recorded
// append-only; a retried step produces one row per attempt.
func (e *Engine) runStep(ctx context.Context, execution *models.Execution, node *models.Node) error {
	logger := e.logger.With("execution_id", execution.ID, "node_id", node.ID, "action_type", node.Type)

	rendered, err := template.RenderConfig(e.renderer, node.Config, execution.Context)
	if err != nil {
		return &stepError{nodeID: node.ID, err: protocol.Permanent(fmt.Errorf("failed to render config: %w", err))}
	}

	// The idempotency key hashes the rendered config with secret references
	// still unresolved, so it is stable across hosts with different secret
	// values and never derives from secret material.
	var record *sideeffect.Record

	effectKey := ""
	if e.effects != nil {
		effectKey, err = sideeffect.Key(execution.ID, node.ID, node.Type, rendered)
		if err != nil {
			return &stepError{nodeID: node.ID, err: protocol.Permanent(err)}
		}

		record, err = e.effects.Get(ctx, effectKey)
		if err != nil {
			logger.Warn("Side-effect lookup failed, running step", "error", err)
		}
	}

	if record != nil {
		logger.Info("Replaying recorded side effect")
		e.mergeOutput(execution, node.ID, record.Output)

		return e.saveRedacted(ctx, execution)
	}

	budget := e.stepMaxRetries
	if node.MaxRetries != nil && *node.MaxRetries >= 0 {
		budget = *node.MaxRetries
	}

	for attempt := 1; ; attempt++ {
		output, err := e.attemptStep(ctx, execution, node, rendered, attempt)
		if err == nil {
			if e.effects != nil && effectKey != "" {
				putErr := e.effects.Put(ctx, &sideeffect.Record{Key: effectKey, Output: output})
				if putErr != nil {
					logger.Warn("Failed to record side effect", "error", putErr)
				}
			}

			e.mergeOutput(execution, node.ID, output)

			return e.saveRedacted(ctx, execution)
		}

		willRetry := attempt <= budget && !protocol.IsPermanent(err)

		e.publish(ctx, execution.ID, events.StepFailed{
			BaseEvent:   e.baseEvent(events.StepFailedEvent),
			ExecutionID: execution.ID,
			NodeID:      node.ID,
			Attempt:     attempt,
			Error:       e.redactor.Error(err),
			WillRetry:   willRetry,
		})

		if !willRetry {
			return &stepError{nodeID: node.ID, err: err}
		}

		delay := e.backoff.Delay(attempt - 1)
		logger.Info("Retrying step", "attempt", attempt, "delay", delay, "error", e.redactor.Error(err))

		sleepErr := e.sleep(ctx, delay)
		if sleepErr != nil {
			return &stepError{nodeID: node.ID, err: protocol.Transient(sleepErr)}
		}
	}
}

// attemptStep performs a single attempt and records its step run row.
func (e *Engine) attemptStep(ctx context.Context, execution *models.Execution, node *models.Node, rendered map[string]any, attempt int) (map[string]any, error) {
	started := time.Now()

	output, execErr := e.executeOnce(ctx, node, rendered)

	finished := time.Now()
	status := models.StepStatusSuccess
	errText := ""

	if execErr != nil {
		status = models.StepStatusFailed
		errText = e.redactor.Error(execErr)
	}

	stepRun := &models.StepRun{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		Attempt:     attempt,
		Status:      status,
		Input:       e.redactor.Map(rendered),
		Output:      e.redactor.Map(output),
		Error:       errText,
		Duration:    finished.Sub(started),
		StartedAt:   started,
		FinishedAt:  &finished,
	}

	err := e.persist.Executions().AppendStepRun(ctx, stepRun)
	if err != nil {
		e.logger.Error("Failed to record step run", "execution_id", execution.ID, "node_id", node.ID, "error", err)
	}

	if execErr == nil {
		e.publish(ctx, execution.ID, events.StepCompleted{
			BaseEvent:   e.baseEvent(events.StepCompletedEvent),
			ExecutionID: execution.ID,
			NodeID:      node.ID,
			Attempt:     attempt,
			Status:      status,
			DurationMs:  finished.Sub(started).Milliseconds(),
		})
	}

	return output, execErr
}

// executeOnce resolves secrets, builds the executor, and invokes it under
// the step timeout.
func (e *Engine) executeOnce(ctx context.Context, node *models.Node, rendered map[string]any) (map[string]any, error) {
	input, err := e.resolveSecrets(rendered)
	if err != nil {
		return nil, protocol.Permanent(err)
	}

	executor, err := e.registry.Create(node.Type, input)
	if err != nil {
		return nil, err
	}

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	output, err := executor.Execute(stepCtx, input)
	if err != nil {
		// A deadline hit is a transient condition unless the executor says
		// otherwise.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, protocol.Transient(err)
		}

		return nil, err
	}

	return output, nil
}

// resolveSecrets walks the rendered config and replaces secret references
// with their values. Resolution failures are permanent: a missing secret
// will not appear by retrying.
func (e *Engine) resolveSecrets(config map[string]any) (map[string]any, error) {
	resolved, err := e.resolveValue(config)
	if err != nil {
		return nil, err
	}

	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved config is not a map")
	}

	return out, nil
}

func (e *Engine) resolveValue(value any) (any, error) {
	switch typed := value.(type) {
	case string:
		if secrets.IsRef(typed) {
			resolved, err := e.secrets.ResolveSecret(typed)
			if err != nil {
				return nil, err
			}

			return resolved, nil
		}

		return typed, nil
	case map[string]any:
		out := make(map[string]any, len(typed))

		for k, v := range typed {
			resolved, err := e.resolveValue(v)
			if err != nil {
				return nil, err
			}

			out[k] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(typed))

		for i, v := range typed {
			resolved, err := e.resolveValue(v)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

// mergeOutput binds a node's output into the execution context under
// steps.<node_id>.output.
func (e *Engine) mergeOutput(execution *models.Execution, nodeID string, output map[string]any) {
	steps, ok := execution.Context["steps"].(map[string]any)
	if !ok {
		steps = make(map[string]any)
		execution.Context["steps"] = steps
	}

	entry := map[string]any{}
	if output != nil {
		entry["output"] = output
	} else {
		entry["output"] = map[string]any{}
	}

	steps[nodeID] = entry
}

// saveRedacted persists the execution with a redacted copy of its context.
// The in-memory context keeps raw values for templating.
func (e *Engine) saveRedacted(ctx context.Context, execution *models.Execution) error {
	persisted := *execution
	persisted.Context = e.redactor.Map(execution.Context)
	persisted.ErrorSummary = e.redactor.String(execution.ErrorSummary)

	err := e.persist.Executions().SaveExecution(ctx, &persisted)
	if err != nil {
		return protocol.Transient(fmt.Errorf("failed to save execution: %w", err))
	}

	return nil
}

func (e *Engine) failExecution(ctx context.Context, execution *models.Execution, nodeID string, err error) error {
	now := time.Now()
	execution.Status = models.ExecutionStatusFailed
	execution.FinishedAt = &now
	execution.ErrorSummary = e.redactor.Error(err)

	saveErr := e.saveRedacted(ctx, execution)
	if saveErr != nil {
		e.logger.Error("Failed to persist failed execution", "execution_id", execution.ID, "error", saveErr)
	}

	if nodeID != "" {
		e.logger.Error("Execution failed", "execution_id", execution.ID, "node_id", nodeID, "error", e.redactor.Error(err))
	}

	return err
}

func (e *Engine) baseEvent(eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		WorkerID:  e.workerID,
	}
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	err := e.bus.Publish(ctx, key, event)
	if err != nil {
		e.logger.Warn("Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
