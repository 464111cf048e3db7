// The outflow-worker binary claims outbox items and drives workflow
// executions until the queue drains or the process is told to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brunori/outflow/pkg/backoff"
	"github.com/brunori/outflow/pkg/cmd"
	"github.com/brunori/outflow/pkg/config"
	"github.com/brunori/outflow/pkg/dispatcher"
	"github.com/brunori/outflow/pkg/engine"
	"github.com/brunori/outflow/pkg/log"
	"github.com/brunori/outflow/pkg/otelhelper"
	"github.com/brunori/outflow/pkg/redact"
	"github.com/brunori/outflow/pkg/sideeffect"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "outflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Claim outbox items and run workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runWorker,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func runWorker(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("outflow-worker").With("worker_id", workerID)

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

	eventBus, err := cmd.NewEventBus(cfg, logger, "outflow-worker")
	if err != nil {
		return err
	}

	defer func() {
		closeErr := eventBus.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", closeErr)
		}
	}()

	reg, err := cmd.NewRegistry(logger)
	if err != nil {
		return err
	}

	effects, err := newEffectStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := effects.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close side-effect store", "error", closeErr)
		}
	}()

	tracer, err := otelhelper.NewTracer(ctx, "outflow-worker")
	if err != nil {
		return err
	}

	policy := backoff.Policy{
		Base:      time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		Cap:       time.Duration(cfg.BackoffCapSeconds) * time.Second,
		JitterPct: backoff.Default().JitterPct,
	}

	redactor := redact.NewRedactor()

	eng := engine.NewEngine(engine.Config{
		Logger:         logger,
		Registry:       reg,
		Persistence:    persist,
		Redactor:       redactor,
		Effects:        effects,
		EventBus:       eventBus,
		WorkerID:       workerID,
		StepTimeout:    cfg.StepTimeout(),
		StepMaxRetries: cfg.StepMaxRetries,
		Backoff:        policy,
	})

	disp := dispatcher.NewDispatcher(dispatcher.Config{
		Logger:       logger,
		Persistence:  persist,
		Runner:       eng,
		Redactor:     redactor,
		EventBus:     eventBus,
		Tracer:       tracer,
		WorkerID:     workerID,
		BatchSize:    cfg.BatchSize,
		Lease:        cfg.LeaseDuration(),
		PollInterval: cfg.PollInterval(),
		Backoff:      policy,
	})

	logger.InfoContext(ctx, "Starting outflow worker")

	return disp.Start(ctx)
}

func newEffectStore(ctx context.Context, cfg *config.Config) (sideeffect.Store, error) {
	if cfg.RedisURL == "" {
		return sideeffect.NewMemoryStore(), nil
	}

	// Records only need to outlive the retry horizon of the item that
	// produced them.
	ttl := 2 * time.Duration(cfg.BackoffCapSeconds) * time.Second

	return sideeffect.NewRedisStore(ctx, cfg.RedisURL, ttl)
}
