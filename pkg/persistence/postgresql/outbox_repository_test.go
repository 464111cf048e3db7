package postgresql_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunori/outflow/pkg/models"
	"github.com/brunori/outflow/pkg/persistence"
)

func TestOutboxEnqueueAndClaim(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	created, err := p.Outbox().Enqueue(ctx, newTestItem())
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, models.OutboxStatusPending, created.Status)

	claimed, err := p.Outbox().ClaimBatch(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	assert.Equal(t, created.ID, claimed[0].ID)
	assert.Equal(t, models.OutboxStatusRunning, claimed[0].Status)
	require.NotNil(t, claimed[0].LeaseOwner)
	assert.Equal(t, "w1", *claimed[0].LeaseOwner)
	require.NotNil(t, claimed[0].LeaseExpires)

	// Claimed items are invisible to further claims while leased.
	again, err := p.Outbox().ClaimBatch(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOutboxEnqueueDedupe(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	key := "order-42-dispatch"

	first := newTestItem()
	first.DedupeKey = &key

	second := newTestItem()
	second.DedupeKey = &key

	created, err := p.Outbox().Enqueue(ctx, first)
	require.NoError(t, err)

	duplicate, err := p.Outbox().Enqueue(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, created.ID, duplicate.ID)

	// A completed item releases the key.
	claimed, err := p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, p.Outbox().MarkSuccess(ctx, created.ID, "w1"))

	fresh, err := p.Outbox().Enqueue(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, fresh.ID)
}

func TestOutboxClaimExclusiveUnderConcurrency(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	const itemCount = 30

	for range itemCount {
		_, err := p.Outbox().Enqueue(ctx, newTestItem())
		require.NoError(t, err)
	}

	const workers = 6

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)

	for w := range workers {
		wg.Add(1)

		go func(workerID string) {
			defer wg.Done()

			for {
				claimed, err := p.Outbox().ClaimBatch(ctx, workerID, 4, time.Minute)
				assert.NoError(t, err)

				if len(claimed) == 0 {
					return
				}

				mu.Lock()
				for _, item := range claimed {
					owner, dup := seen[item.ID]
					assert.False(t, dup, "item %s claimed by both %s and %s", item.ID, owner, workerID)
					seen[item.ID] = workerID
				}
				mu.Unlock()
			}
		}("worker-" + string(rune('a'+w)))
	}

	wg.Wait()

	assert.Len(t, seen, itemCount)
}

func TestOutboxMarkRetryAndBudget(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	source := newTestItem()
	source.MaxAttempts = 2

	created, err := p.Outbox().Enqueue(ctx, source)
	require.NoError(t, err)

	// First failure schedules a retry.
	claimed, err := p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := time.Now().UTC().Add(-time.Second)
	require.NoError(t, p.Outbox().MarkRetry(ctx, created.ID, "w1", next, "connection refused"))

	item, err := p.Outbox().ItemByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRetry, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Equal(t, "connection refused", item.LastError)

	// Second failure exhausts the budget.
	claimed, err = p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, p.Outbox().MarkRetry(ctx, created.ID, "w1", next, "connection refused"))

	item, err = p.Outbox().ItemByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, item.Status)
	assert.Equal(t, 2, item.AttemptCount)

	claimed, err = p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOutboxMarkWithStaleLease(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	created, err := p.Outbox().Enqueue(ctx, newTestItem())
	require.NoError(t, err)

	_, err = p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	// Wrong worker.
	err = p.Outbox().MarkSuccess(ctx, created.ID, "w2")
	require.Error(t, err)
	assert.True(t, persistence.IsLeaseLost(err))

	// Unknown item.
	err = p.Outbox().MarkSuccess(ctx, "00000000-0000-0000-0000-000000000000", "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrItemNotFound)

	item, err := p.Outbox().ItemByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRunning, item.Status)
}

func TestOutboxMarkFailedIsTerminal(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	created, err := p.Outbox().Enqueue(ctx, newTestItem())
	require.NoError(t, err)

	_, err = p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.Outbox().MarkFailed(ctx, created.ID, "w1", "unknown automation"))

	item, err := p.Outbox().ItemByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusFailed, item.Status)
	assert.Equal(t, "unknown automation", item.LastError)

	claimed, err := p.Outbox().ClaimBatch(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOutboxReapExpired(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	created, err := p.Outbox().Enqueue(ctx, newTestItem())
	require.NoError(t, err)

	// A one-second lease expires almost immediately.
	claimed, err := p.Outbox().ClaimBatch(ctx, "w1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(1500 * time.Millisecond)

	// Below the stale threshold nothing is reaped.
	reaped, err := p.Outbox().ReapExpired(ctx, time.Hour, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	count, err := p.Outbox().StaleCount(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reaped, err = p.Outbox().ReapExpired(ctx, 0, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	item, err := p.Outbox().ItemByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxStatusRetry, item.Status)
	assert.Nil(t, item.LeaseOwner)
	// Reaping does not consume the attempt budget.
	assert.Equal(t, 0, item.AttemptCount)

	// Reaped items become claimable again.
	claimed, err = p.Outbox().ClaimBatch(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, created.ID, claimed[0].ID)
}
