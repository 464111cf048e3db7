// Package reaper recovers outbox items whose worker died mid-flight. Items
// stuck in RUNNING past their lease plus a stale threshold are returned to
// the claimable pool without consuming their attempt budget.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brunori/outflow/pkg/eventbus"
	"github.com/brunori/outflow/pkg/events"
	"github.com/brunori/outflow/pkg/persistence"
)

// Config wires the reaper's collaborators and thresholds.
type Config struct {
	Logger      *slog.Logger
	Persistence persistence.Persistence
	EventBus    eventbus.EventPublisher

	// StaleThreshold is how long past lease expiry an item must sit before
	// it is reclaimed. It absorbs clock skew between workers and the store.
	StaleThreshold time.Duration
	// RetryDelay postpones reclaimed items, giving a wedged-but-alive
	// worker time to finish before the item runs twice.
	RetryDelay time.Duration
	MaxBatch   int

	// DryRun reports what would be reaped without changing anything.
	DryRun bool
}

// Reaper periodically sweeps the outbox for stale items.
type Reaper struct {
	logger  *slog.Logger
	persist persistence.Persistence
	bus     eventbus.EventPublisher

	staleThreshold time.Duration
	retryDelay     time.Duration
	maxBatch       int
	dryRun         bool
}

func NewReaper(cfg Config) *Reaper {
	return &Reaper{
		logger:         cfg.Logger.With("module", "reaper"),
		persist:        cfg.Persistence,
		bus:            cfg.EventBus,
		staleThreshold: cfg.StaleThreshold,
		retryDelay:     cfg.RetryDelay,
		maxBatch:       cfg.MaxBatch,
		dryRun:         cfg.DryRun,
	}
}

// Sweep performs one pass and returns how many items were (or, in dry-run,
// would be) reclaimed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.dryRun {
		count, err := r.persist.Outbox().StaleCount(ctx, r.staleThreshold)
		if err != nil {
			return 0, fmt.Errorf("failed to count stale items: %w", err)
		}

		if count > 0 {
			r.logger.Info("Dry run: stale items found", "count", count)
			r.publishReaped(ctx, count)
		}

		return count, nil
	}

	count, err := r.persist.Outbox().ReapExpired(ctx, r.staleThreshold, r.retryDelay, r.maxBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale items: %w", err)
	}

	if count > 0 {
		r.logger.Warn("Reclaimed stale outbox items", "count", count)
		r.publishReaped(ctx, count)
	}

	return count, nil
}

func (r *Reaper) publishReaped(ctx context.Context, count int) {
	if r.bus == nil {
		return
	}

	err := r.bus.Publish(ctx, "reaper", events.ItemsReaped{
		BaseEvent: events.BaseEvent{
			Type:      events.ItemsReapedEvent,
			Timestamp: time.Now(),
		},
		Count:  count,
		DryRun: r.dryRun,
	})
	if err != nil {
		r.logger.Warn("Failed to publish reap event", "error", err)
	}
}

// Start sweeps on the given cron schedule until ctx is cancelled. The
// schedule accepts standard cron syntax or descriptors like "@every 1m".
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(schedule, func() {
		_, sweepErr := r.Sweep(ctx)
		if sweepErr != nil {
			r.logger.Error("Sweep failed", "error", sweepErr)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	r.logger.Info("Reaper started", "schedule", schedule, "stale_threshold", r.staleThreshold, "dry_run", r.dryRun)
	scheduler.Start()

	<-ctx.Done()

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	r.logger.Info("Reaper stopped")

	return ctx.Err()
}
