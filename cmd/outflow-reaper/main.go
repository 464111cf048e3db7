// The outflow-reaper binary reclaims outbox items whose worker died while
// holding a lease. It runs on a cron schedule, or once with --once.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/brunori/outflow/pkg/cmd"
	"github.com/brunori/outflow/pkg/config"
	"github.com/brunori/outflow/pkg/log"
	"github.com/brunori/outflow/pkg/reaper"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "outflow-reaper",
		EnableShellCompletion: true,
		Usage:                 "Reclaim outbox items abandoned by dead workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule for sweeps",
				Value:   "*/1 * * * *",
				Sources: cli.EnvVars("REAPER_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "once",
				Usage:   "Run a single sweep and exit",
				Sources: cli.EnvVars("REAPER_ONCE"),
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "Report stale items without reclaiming them",
				Sources: cli.EnvVars("REAPER_DRY_RUN"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runReaper,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func runReaper(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("outflow-reaper")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persist, err := cmd.NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := persist.Close(ctx)
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", closeErr)
		}
	}()

	eventBus, err := cmd.NewEventBus(cfg, logger, "outflow-reaper")
	if err != nil {
		return err
	}

	defer func() {
		closeErr := eventBus.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", closeErr)
		}
	}()

	sweeper := reaper.NewReaper(reaper.Config{
		Logger:         logger,
		Persistence:    persist,
		EventBus:       eventBus,
		StaleThreshold: cfg.ReaperStaleThreshold(),
		RetryDelay:     cfg.ReaperRetryDelay(),
		MaxBatch:       cfg.ReaperMaxBatch,
		DryRun:         command.Bool("dry-run"),
	})

	if command.Bool("once") {
		_, err = sweeper.Sweep(ctx)

		return err
	}

	return sweeper.Start(ctx, command.String("schedule"))
}
