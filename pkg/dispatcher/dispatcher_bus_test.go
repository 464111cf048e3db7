package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brunori/outflow/pkg/backoff"
	"github.com/brunori/outflow/pkg/events"
	"github.com/brunori/outflow/pkg/mocks"
	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence/memory"
	"github.com/brunori/outflow/pkg/protocol"
)

func TestTickPublishesExhaustionEvent(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	persist := memory.NewPersistence(logger)

	runner := &mocks.MockExecutionRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(protocol.Permanent(errors.New("invalid destination")))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.AnythingOfType("events.ItemExhausted")).
		Return(nil)

	d := NewDispatcher(Config{
		Logger:       logger,
		Persistence:  persist,
		Runner:       runner,
		EventBus:     bus,
		WorkerID:     "w1",
		BatchSize:    10,
		Lease:        time.Minute,
		PollInterval: time.Second,
		Backoff:      backoff.Policy{Base: time.Second, Cap: time.Minute},
	})

	event := orderEvent(10)
	item, err := persist.Events().IngestEvent(ctx, event, &models.OutboxItem{
		Kind:        KindEventDispatch,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	automation := &models.Automation{
		ID:        "auto-1",
		Slug:      "auto-1",
		Name:      "Automation auto-1",
		EventType: event.Type,
		Active:    true,
	}
	require.NoError(t, persist.Workflows().SaveAutomation(ctx, automation))
	require.NoError(t, persist.Workflows().PublishVersion(ctx, &models.WorkflowVersion{
		AutomationID: automation.ID,
		Graph:        models.Graph{Nodes: []*models.Node{{ID: "a", Type: "log"}}},
	}))

	processed, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, stored.Status)

	runner.AssertNumberOfCalls(t, "Run", 1)
	bus.AssertCalled(t, "Publish", mock.Anything, item.ID, mock.AnythingOfType("events.ItemExhausted"))

	published := bus.Calls[0].Arguments.Get(2).(events.ItemExhausted)
	assert.Equal(t, item.ID, published.ItemID)
	assert.Equal(t, events.ItemExhaustedEvent, published.Type)
	assert.Contains(t, published.LastError, "invalid destination")
}
