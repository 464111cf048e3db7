// Package dispatcher runs the worker loop: claim a batch of outbox items,
// match each event against the active automations, execute the matching
// workflow versions, and report the outcome back to the claim store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunori/outflow/pkg/backoff"
	"github.com/brunori/outflow/pkg/eventbus"
	"github.com/brunori/outflow/pkg/events"
	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/otelhelper"
	"github.com/brunori/outflow/pkg/persistence"
	"github.com/brunori/outflow/pkg/protocol"
	"github.com/brunori/outflow/pkg/redact"
	"github.com/brunori/outflow/pkg/rules"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// KindEventDispatch is the outbox item kind produced by event ingestion.
const KindEventDispatch = "event.dispatch"

// ExecutionRunner is implemented by the engine.
type ExecutionRunner interface {
	Run(ctx context.Context, execution *models.Execution, version *models.WorkflowVersion, event *models.Event) error
}

// Decision is a failure policy verdict for a failed item.
type Decision int

const (
	// DecisionRetry schedules the item for another delivery.
	DecisionRetry Decision = iota
	// DecisionFail dead-letters the item immediately.
	DecisionFail
)

// FailurePolicy decides what happens to an item whose processing failed.
type FailurePolicy func(item *models.OutboxItem, err error) Decision

// DefaultFailurePolicy dead-letters permanent failures and retries
// everything else.
func DefaultFailurePolicy(_ *models.OutboxItem, err error) Decision {
	if protocol.IsPermanent(err) {
		return DecisionFail
	}

	return DecisionRetry
}

// Config wires the dispatcher's collaborators.
type Config struct {
	Logger      *slog.Logger
	Persistence persistence.Persistence
	Runner      ExecutionRunner
	Redactor    *redact.Redactor
	EventBus    eventbus.EventPublisher
	Policy      FailurePolicy
	Tracer      trace.Tracer

	WorkerID     string
	BatchSize    int
	Lease        time.Duration
	PollInterval time.Duration
	Backoff      backoff.Policy
}

// Dispatcher drains the outbox queue on a fixed poll interval.
type Dispatcher struct {
	logger   *slog.Logger
	persist  persistence.Persistence
	runner   ExecutionRunner
	redactor *redact.Redactor
	bus      eventbus.EventPublisher
	policy   FailurePolicy
	tracer   trace.Tracer

	workerID     string
	batchSize    int
	lease        time.Duration
	pollInterval time.Duration
	backoff      backoff.Policy

	// now is swappable in tests.
	now func() time.Time
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = DefaultFailurePolicy
	}

	if cfg.Redactor == nil {
		cfg.Redactor = redact.NewRedactor()
	}

	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("dispatcher")
	}

	return &Dispatcher{
		logger:       cfg.Logger.With("module", "dispatcher", "worker_id", cfg.WorkerID),
		persist:      cfg.Persistence,
		runner:       cfg.Runner,
		redactor:     cfg.Redactor,
		bus:          cfg.EventBus,
		policy:       cfg.Policy,
		tracer:       cfg.Tracer,
		workerID:     cfg.WorkerID,
		batchSize:    cfg.BatchSize,
		lease:        cfg.Lease,
		pollInterval: cfg.PollInterval,
		backoff:      cfg.Backoff,
		now:          time.Now,
	}
}

// Start polls until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Dispatcher started", "poll_interval", d.pollInterval, "batch_size", d.batchSize)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped")

			return ctx.Err()
		case <-ticker.C:
			processed, err := d.Tick(ctx)
			if err != nil {
				d.logger.Error("Dispatch tick failed", "error", err)

				continue
			}

			if processed > 0 {
				d.logger.Debug("Dispatch tick completed", "processed", processed)
			}
		}
	}
}

// Tick claims one batch and processes it sequentially. It returns the
// number of items handled.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	items, err := d.persist.Outbox().ClaimBatch(ctx, d.workerID, d.batchSize, d.lease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}

	for _, item := range items {
		d.processItem(ctx, item)
	}

	return len(items), nil
}

// processItem runs one claimed item end to end and reports the outcome. A
// lost lease on report means another worker owns the item now; the result
// is discarded without further action.
func (d *Dispatcher) processItem(ctx context.Context, item *models.OutboxItem) {
	logger := d.logger.With("item_id", item.ID, "kind", item.Kind, "attempt", item.AttemptCount+1)

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.process_item",
		attribute.String(otelhelper.ItemIDKey, item.ID),
		attribute.String(otelhelper.ItemKindKey, item.Kind),
		attribute.Int(otelhelper.AttemptKey, item.AttemptCount+1),
		attribute.String(otelhelper.WorkerIDKey, d.workerID),
	)
	defer span.End()

	err := d.handle(ctx, item)
	if err == nil {
		markErr := d.persist.Outbox().MarkSuccess(ctx, item.ID, d.workerID)
		if markErr != nil {
			d.logMarkError(logger, markErr)
		}

		return
	}

	otelhelper.SetError(span, err)

	redactedErr := d.redactor.Error(err)

	switch d.policy(item, err) {
	case DecisionFail:
		logger.Error("Item failed permanently", "error", redactedErr)

		markErr := d.persist.Outbox().MarkFailed(ctx, item.ID, d.workerID, redactedErr)
		if markErr != nil {
			d.logMarkError(logger, markErr)

			return
		}

		d.publishExhausted(ctx, item, redactedErr, item.AttemptCount+1)
	case DecisionRetry:
		nextAttemptAt := d.backoff.NextAttemptAt(d.now(), item.AttemptCount)
		logger.Warn("Item failed, scheduling retry", "error", redactedErr, "next_attempt_at", nextAttemptAt)

		markErr := d.persist.Outbox().MarkRetry(ctx, item.ID, d.workerID, nextAttemptAt, redactedErr)
		if markErr != nil {
			d.logMarkError(logger, markErr)

			return
		}

		// MarkRetry dead-letters the item itself when the budget is gone.
		if item.AttemptCount+1 >= item.MaxAttempts {
			d.publishExhausted(ctx, item, redactedErr, item.AttemptCount+1)
		}
	}
}

func (d *Dispatcher) logMarkError(logger *slog.Logger, err error) {
	if persistence.IsLeaseLost(err) {
		logger.Warn("Lease lost before report, discarding result")

		return
	}

	logger.Error("Failed to report item outcome", "error", err)
}

func (d *Dispatcher) publishExhausted(ctx context.Context, item *models.OutboxItem, lastError string, attempts int) {
	if d.bus == nil {
		return
	}

	err := d.bus.Publish(ctx, item.ID, events.ItemExhausted{
		BaseEvent: events.BaseEvent{
			Type:      events.ItemExhaustedEvent,
			Timestamp: time.Now(),
			WorkerID:  d.workerID,
		},
		ItemID:       item.ID,
		Kind:         item.Kind,
		AttemptCount: attempts,
		LastError:    lastError,
	})
	if err != nil {
		d.logger.Warn("Failed to publish exhaustion event", "item_id", item.ID, "error", err)
	}
}

// handle routes an item by kind.
func (d *Dispatcher) handle(ctx context.Context, item *models.OutboxItem) error {
	switch item.Kind {
	case KindEventDispatch:
		return d.dispatchEvent(ctx, item)
	default:
		return protocol.Permanent(fmt.Errorf("unknown item kind: %s", item.Kind))
	}
}

// dispatchEvent matches the item's event against active automations and
// runs every matching workflow head version.
func (d *Dispatcher) dispatchEvent(ctx context.Context, item *models.OutboxItem) error {
	eventID, ok := item.Payload["event_id"].(string)
	if !ok || eventID == "" {
		return protocol.Permanent(errors.New("item payload has no event_id"))
	}

	event, err := d.persist.Events().EventByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, persistence.ErrEventNotFound) {
			return protocol.Permanent(err)
		}

		return protocol.Transient(err)
	}

	automations, err := d.persist.Workflows().ActiveAutomationsByEventType(ctx, event.Type)
	if err != nil {
		return protocol.Transient(err)
	}

	for _, automation := range automations {
		if !rules.Evaluate(automation.Rule, RuleContext(event)) {
			continue
		}

		err = d.runAutomation(ctx, automation, event)
		if err != nil {
			return err
		}
	}

	return nil
}

// RuleContext builds the variable bindings a trigger rule evaluates
// against.
func RuleContext(event *models.Event) map[string]any {
	return map[string]any{
		"type":     event.Type,
		"source":   event.Source,
		"data":     event.Payload,
		"trace_id": event.TraceID,
	}
}

func (d *Dispatcher) runAutomation(ctx context.Context, automation *models.Automation, event *models.Event) error {
	version, err := d.persist.Workflows().HeadVersion(ctx, automation.ID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			// Active automation without a published version matches nothing.
			d.logger.Warn("Automation has no published version", "automation_id", automation.ID)

			return nil
		}

		return protocol.Transient(err)
	}

	execution, err := d.resumableExecution(ctx, event.ID, version.ID)
	if err != nil {
		return protocol.Transient(err)
	}

	if execution == nil {
		execution = &models.Execution{
			WorkflowVersionID: version.ID,
			AutomationID:      automation.ID,
			EventID:           event.ID,
			TraceID:           event.TraceID,
			Status:            models.ExecutionStatusPending,
			Context:           map[string]any{},
		}

		err = d.persist.Executions().CreateExecution(ctx, execution)
		if err != nil {
			return protocol.Transient(err)
		}
	}

	return d.runner.Run(ctx, execution, version, event)
}

// resumableExecution returns a prior non-terminal execution of this version
// for this event, so a re-delivered item continues where it stopped instead
// of starting over.
func (d *Dispatcher) resumableExecution(ctx context.Context, eventID, versionID string) (*models.Execution, error) {
	executions, err := d.persist.Executions().ExecutionsByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	for _, execution := range executions {
		if execution.WorkflowVersionID == versionID && !execution.Status.IsTerminal() {
			return execution, nil
		}
	}

	return nil, nil
}
