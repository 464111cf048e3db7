package reaper

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence/memory"
)

func setup(t *testing.T, dryRun bool) (*Reaper, *memory.Persistence, *time.Time) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	persist := memory.NewPersistence(logger)

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	persist.SetClock(func() time.Time { return current })

	r := NewReaper(Config{
		Logger:         logger,
		Persistence:    persist,
		StaleThreshold: 10 * time.Minute,
		RetryDelay:     time.Minute,
		MaxBatch:       100,
		DryRun:         dryRun,
	})

	return r, persist, &current
}

func claimItem(t *testing.T, persist *memory.Persistence) *models.OutboxItem {
	t.Helper()

	ctx := context.Background()

	item, err := persist.Outbox().Enqueue(ctx, &models.OutboxItem{
		Kind:        "event.dispatch",
		Payload:     map[string]any{"event_id": "ev-1"},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	claimed, err := persist.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	return item
}

func TestSweepReclaimsStaleItems(t *testing.T) {
	r, persist, current := setup(t, false)
	ctx := context.Background()

	item := claimItem(t, persist)

	// Lease expired but still inside the stale threshold.
	*current = current.Add(5 * time.Minute)

	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Past the threshold the item is reclaimed.
	*current = current.Add(10 * time.Minute)

	count, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRetry, stored.Status)
	assert.Equal(t, 0, stored.AttemptCount)
}

func TestSweepLeavesLiveLeasesAlone(t *testing.T) {
	r, persist, _ := setup(t, false)
	ctx := context.Background()

	item := claimItem(t, persist)

	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	stored, err := persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRunning, stored.Status)
}

func TestSweepDryRunChangesNothing(t *testing.T) {
	r, persist, current := setup(t, true)
	ctx := context.Background()

	item := claimItem(t, persist)
	*current = current.Add(time.Hour)

	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := persist.Outbox().ItemByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRunning, stored.Status)
}
