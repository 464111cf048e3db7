package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunori/outflow/pkg/backoff"
	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence/memory"
	"github.com/brunori/outflow/pkg/protocol"
)

// stubRunner scripts engine outcomes per automation id.
type stubRunner struct {
	errs  map[string]error
	calls []*models.Execution
}

func (r *stubRunner) Run(_ context.Context, execution *models.Execution, _ *models.WorkflowVersion, _ *models.Event) error {
	r.calls = append(r.calls, execution)

	if err := r.errs[execution.AutomationID]; err != nil {
		execution.Status = models.ExecutionStatusFailed

		return err
	}

	execution.Status = models.ExecutionStatusSuccess

	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	persist    *memory.Persistence
	runner     *stubRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	persist := memory.NewPersistence(logger)
	runner := &stubRunner{errs: make(map[string]error)}

	d := NewDispatcher(Config{
		Logger:       logger,
		Persistence:  persist,
		Runner:       runner,
		WorkerID:     "w1",
		BatchSize:    10,
		Lease:        time.Minute,
		PollInterval: time.Second,
		Backoff:      backoff.Policy{Base: time.Second, Cap: time.Minute},
	})

	return &fixture{dispatcher: d, persist: persist, runner: runner}
}

func (f *fixture) ingest(t *testing.T, event *models.Event, maxAttempts int) *models.OutboxItem {
	t.Helper()

	item, err := f.persist.Events().IngestEvent(context.Background(), event, &models.OutboxItem{
		Kind:        KindEventDispatch,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)

	return item
}

func (f *fixture) addAutomation(t *testing.T, id, eventType string, rule models.RuleSpec) {
	t.Helper()

	ctx := context.Background()
	automation := &models.Automation{
		ID:        id,
		Slug:      id,
		Name:      "Automation " + id,
		EventType: eventType,
		Rule:      rule,
		Active:    true,
	}
	require.NoError(t, f.persist.Workflows().SaveAutomation(ctx, automation))

	version := &models.WorkflowVersion{
		AutomationID: id,
		Graph:        models.Graph{Nodes: []*models.Node{{ID: "a", Type: "log"}}},
	}
	require.NoError(t, f.persist.Workflows().PublishVersion(ctx, version))
}

func orderEvent(amount float64) *models.Event {
	return &models.Event{
		Type:    "order.created",
		Source:  "webhook",
		Payload: map[string]any{"amount": amount},
	}
}

func TestTickEmptyQueue(t *testing.T) {
	f := newFixture(t)

	processed, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestTickDispatchesMatchingAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", models.RuleSpec{
		">": []any{map[string]any{"var": "data.amount"}, 1000},
	})

	item := f.ingest(t, orderEvent(1500), 3)

	processed, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, "auto-1", f.runner.calls[0].AutomationID)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusCompleted, stored.Status)
}

func TestTickSkipsNonMatchingRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", models.RuleSpec{
		">": []any{map[string]any{"var": "data.amount"}, 1000},
	})

	item := f.ingest(t, orderEvent(500), 3)

	_, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	assert.Empty(t, f.runner.calls)

	// No match still completes the item; the event was handled.
	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusCompleted, stored.Status)
}

func TestTickNilRuleMatchesEverything(t *testing.T) {
	f := newFixture(t)

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.ingest(t, orderEvent(1), 3)

	_, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.runner.calls, 1)
}

func TestTickTransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.runner.errs["auto-1"] = protocol.Transient(errors.New("connection refused"))

	item := f.ingest(t, orderEvent(1), 3)

	_, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRetry, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Contains(t, stored.LastError, "connection refused")
	assert.True(t, stored.NextAttemptAt.After(time.Now()))
}

func TestTickPermanentFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.runner.errs["auto-1"] = protocol.Permanent(errors.New("unknown action"))

	item := f.ingest(t, orderEvent(1), 3)

	_, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
}

func TestTickBudgetExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.runner.errs["auto-1"] = protocol.Transient(errors.New("still down"))

	// Advance a fake clock past the backoff delay between ticks.
	current := time.Now()
	f.persist.SetClock(func() time.Time { return current })
	f.dispatcher.now = func() time.Time { return current }

	item := f.ingest(t, orderEvent(1), 2)

	for range 2 {
		_, err := f.dispatcher.Tick(ctx)
		require.NoError(t, err)

		current = current.Add(time.Hour)
	}

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)
}

func TestTickUnknownKindIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.persist.Outbox().Enqueue(ctx, &models.OutboxItem{
		Kind:        "no.such.kind",
		Payload:     map[string]any{},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "unknown item kind")
}

func TestTickMissingEventIDIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.persist.Outbox().Enqueue(ctx, &models.OutboxItem{
		Kind:        KindEventDispatch,
		Payload:     map[string]any{},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
}

func TestTickResumesNonTerminalExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.runner.errs["auto-1"] = protocol.Transient(errors.New("flaky"))

	current := time.Now()
	f.persist.SetClock(func() time.Time { return current })
	f.dispatcher.now = func() time.Time { return current }

	f.ingest(t, orderEvent(1), 5)

	_, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, f.runner.calls, 1)

	firstExecutionID := f.runner.calls[0].ID

	// The second delivery reuses the same execution record.
	delete(f.runner.errs, "auto-1")

	current = current.Add(time.Hour)

	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, firstExecutionID, f.runner.calls[1].ID)
}

func TestTickMultipleAutomationsForOneEvent(t *testing.T) {
	f := newFixture(t)

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.addAutomation(t, "auto-2", "order.created", nil)
	f.addAutomation(t, "auto-3", "user.created", nil)

	f.ingest(t, orderEvent(1), 3)

	_, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, "auto-1", f.runner.calls[0].AutomationID)
	assert.Equal(t, "auto-2", f.runner.calls[1].AutomationID)
}

func TestCustomFailurePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Dead-letter everything, even transient failures.
	f.dispatcher.policy = func(_ *models.OutboxItem, _ error) Decision {
		return DecisionFail
	}

	f.addAutomation(t, "auto-1", "order.created", nil)
	f.runner.errs["auto-1"] = protocol.Transient(errors.New("flaky"))

	item := f.ingest(t, orderEvent(1), 5)

	_, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)

	stored, err := f.persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)
}

func TestRuleContextShape(t *testing.T) {
	event := &models.Event{
		ID:      "ev-1",
		Type:    "order.created",
		Source:  "webhook",
		Payload: map[string]any{"amount": 1500.0},
		TraceID: "trace-1",
	}

	ctx := RuleContext(event)

	assert.Equal(t, "order.created", ctx["type"])
	assert.Equal(t, "webhook", ctx["source"])
	assert.Equal(t, "trace-1", ctx["trace_id"])
	assert.Equal(t, 1500.0, ctx["data"].(map[string]any)["amount"])
}
